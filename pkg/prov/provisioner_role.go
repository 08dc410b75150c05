package prov

import (
	"bytes"
	"fmt"
)

func (l *Link) handleProvisionerPDU(pdu PDU) error {
	switch pdu.Type {
	case PDUCapabilities:
		return l.provisionerCapabilities(pdu.Params)
	case PDUPublicKey:
		return l.provisionerPublicKey(pdu.Params)
	case PDUInputComplete:
		return l.provisionerInputComplete()
	case PDUConfirm:
		return l.provisionerConfirm(pdu.Params)
	case PDURandom:
		return l.provisionerRandom(pdu.Params)
	case PDUComplete:
		return l.provisionerComplete()
	}
	return fmt.Errorf("%w: %s on provisioner", ErrUnexpectedPDU, pdu.Type)
}

func (l *Link) provisionerCapabilities(params []byte) error {
	caps, err := ParseCapabilities(params)
	if err != nil {
		return err
	}
	if err := l.inputs.SetCapabilities(params); err != nil {
		return err
	}
	l.caps = caps

	if l.config.CheckData != nil {
		if err := l.config.CheckData(caps); err != nil {
			return err
		}
	}

	st := SelectStart(caps, l.config.AuthMethod, len(l.config.StaticOOB) > 0)
	start := st.Marshal()
	if err := l.inputs.SetStart(start); err != nil {
		return err
	}
	l.start = st
	l.auth = Auth{Method: st.AuthMethod, Action: st.AuthAction, Size: st.AuthSize}
	if l.log != nil {
		l.log.Debugf("provisioner %s: %d elements, auth %s",
			l.config.UUID, caps.NumElements, st.AuthMethod)
	}

	if err := l.generateKeys(); err != nil {
		return err
	}
	if err := l.inputs.SetProvisionerKey(l.publicKey); err != nil {
		return err
	}

	var out OOBOutput
	switch st.AuthMethod {
	case AuthNoOOB:
		l.auth.Ready = true
	case AuthStatic:
		l.auth.Value = StaticAuthValue(l.config.StaticOOB)
		l.auth.Ready = true
	case AuthInput:
		if out, err = l.generateOOB(); err != nil {
			return err
		}
	}

	l.expected = PDUPublicKey
	if !l.send(PDUStart, start) || !l.send(PDUPublicKey, l.publicKey) {
		return nil
	}

	switch st.AuthMethod {
	case AuthOutput:
		l.emitInputRequest(l.requestInput())
	case AuthInput:
		l.emitOutput(out)
	}
	return nil
}

func (l *Link) provisionerPublicKey(params []byte) error {
	if err := l.acceptRemoteKey(params); err != nil {
		return err
	}
	if err := l.inputs.SetDeviceKey(params); err != nil {
		return err
	}

	switch {
	case l.auth.Method == AuthInput:
		l.expected = PDUInputComplete
	case l.flags.Waiting():
		l.expected = PDUNone
	default:
		l.flags &^= FlagPendingConfirmSend
		return l.sendConfirm()
	}
	return nil
}

func (l *Link) provisionerInputComplete() error {
	l.flags |= FlagInputCompleteReceived
	return l.sendConfirm()
}

// sendConfirm sends the provisioner's confirmation once the DHKey and the
// AuthValue are known.
func (l *Link) sendConfirm() error {
	if err := l.deriveConfirmationKey(); err != nil {
		return err
	}
	random := bytes.Clone(l.config.Random)
	if random == nil {
		var err error
		if random, err = l.crypto.Random(16); err != nil {
			return fmt.Errorf("%w: random: %v", ErrUnexpected, err)
		}
	}
	conf, err := l.confirmation(random)
	if err != nil {
		return err
	}
	l.localRandom = random
	l.localConfirm = conf
	l.expected = PDUConfirm
	l.send(PDUConfirm, conf)
	return nil
}

func (l *Link) provisionerConfirm(params []byte) error {
	if bytes.Equal(params, l.localConfirm) {
		return fmt.Errorf("%w: peer reflected our confirmation", ErrConfirmationFailed)
	}
	l.remoteConfirm = bytes.Clone(params)
	l.expected = PDURandom
	l.send(PDURandom, l.localRandom)
	return nil
}

func (l *Link) provisionerRandom(params []byte) error {
	if err := l.checkRemoteRandom(params); err != nil {
		return err
	}
	if err := l.deriveSessionKeys(l.localRandom, params); err != nil {
		return err
	}
	data, err := l.config.AssignData(l.caps)
	if err != nil {
		return err
	}
	enc, err := l.crypto.EncryptData(l.sessionKey, l.sessionNonce, data.Marshal())
	if err != nil {
		return fmt.Errorf("%w: encrypt: %v", ErrUnexpected, err)
	}
	l.data = data
	l.expected = PDUComplete
	l.send(PDUData, enc)
	return nil
}

func (l *Link) provisionerComplete() error {
	node, err := l.newNode()
	if err != nil {
		return err
	}
	l.emitComplete(node)
	l.close(CloseSuccess)
	return nil
}
