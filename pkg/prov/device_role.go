package prov

import (
	"bytes"
	"fmt"
)

func (l *Link) handleDevicePDU(pdu PDU) error {
	switch pdu.Type {
	case PDUInvite:
		return l.deviceInvite(pdu.Params)
	case PDUStart:
		return l.deviceStart(pdu.Params)
	case PDUPublicKey:
		return l.devicePublicKey(pdu.Params)
	case PDUConfirm:
		return l.deviceConfirm(pdu.Params)
	case PDURandom:
		return l.deviceRandom(pdu.Params)
	case PDUData:
		return l.deviceData(pdu.Params)
	}
	return fmt.Errorf("%w: %s on device", ErrUnexpectedPDU, pdu.Type)
}

func (l *Link) deviceInvite(params []byte) error {
	if err := l.inputs.SetInvite(params); err != nil {
		return err
	}
	caps := l.caps.Marshal()
	if err := l.inputs.SetCapabilities(caps); err != nil {
		return err
	}
	if l.log != nil {
		l.log.Debugf("device %s: invited, attention %ds", l.config.UUID, params[0])
	}
	l.expected = PDUStart
	l.send(PDUCapabilities, caps)
	return nil
}

func (l *Link) deviceStart(params []byte) error {
	st, err := ParseStart(params)
	if err != nil {
		return err
	}
	if err := st.Validate(l.caps); err != nil {
		return err
	}
	if err := l.inputs.SetStart(params); err != nil {
		return err
	}
	l.start = st
	l.auth = Auth{Method: st.AuthMethod, Action: st.AuthAction, Size: st.AuthSize}
	switch st.AuthMethod {
	case AuthNoOOB:
		l.auth.Ready = true
	case AuthStatic:
		l.auth.Value = StaticAuthValue(l.config.StaticOOB)
		l.auth.Ready = true
	}
	l.expected = PDUPublicKey
	return nil
}

func (l *Link) devicePublicKey(params []byte) error {
	if err := l.generateKeys(); err != nil {
		return err
	}
	if err := l.acceptRemoteKey(params); err != nil {
		return err
	}
	if err := l.inputs.SetProvisionerKey(params); err != nil {
		return err
	}
	if err := l.inputs.SetDeviceKey(l.publicKey); err != nil {
		return err
	}

	var (
		out     OOBOutput
		req     InputRequest
		prompts bool
	)
	switch l.auth.Method {
	case AuthOutput:
		var err error
		if out, err = l.generateOOB(); err != nil {
			return err
		}
		l.expected = PDUConfirm
	case AuthInput:
		req = l.requestInput()
		prompts = true
		l.expected = PDUNone
	default:
		l.expected = PDUConfirm
	}

	if !l.send(PDUPublicKey, l.publicKey) {
		return nil
	}
	switch {
	case prompts:
		l.emitInputRequest(req)
	case l.auth.Method == AuthOutput:
		l.emitOutput(out)
	}
	return nil
}

func (l *Link) deviceConfirm(params []byte) error {
	if !l.auth.Ready {
		return fmt.Errorf("%w: confirm before auth value", ErrUnexpectedPDU)
	}
	if err := l.deriveConfirmationKey(); err != nil {
		return err
	}
	random, err := l.crypto.Random(16)
	if err != nil {
		return fmt.Errorf("%w: random: %v", ErrUnexpected, err)
	}
	conf, err := l.confirmation(random)
	if err != nil {
		return err
	}
	if bytes.Equal(conf, params) {
		return fmt.Errorf("%w: peer reflected our confirmation", ErrConfirmationFailed)
	}
	l.remoteConfirm = bytes.Clone(params)
	l.localRandom = random
	l.localConfirm = conf
	l.expected = PDURandom
	l.send(PDUConfirm, conf)
	return nil
}

func (l *Link) deviceRandom(params []byte) error {
	if err := l.checkRemoteRandom(params); err != nil {
		return err
	}
	if err := l.deriveSessionKeys(params, l.localRandom); err != nil {
		return err
	}
	l.expected = PDUData
	l.send(PDURandom, l.localRandom)
	return nil
}

func (l *Link) deviceData(params []byte) error {
	plain, err := l.crypto.DecryptData(l.sessionKey, l.sessionNonce, params)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDecryptionFailed, err)
	}
	data, err := ParseProvisioningData(plain)
	if err != nil {
		return err
	}
	if int(data.Address)+int(l.caps.NumElements)-1 > int(MaxUnicastAddress) {
		return fmt.Errorf("%w: %d elements do not fit at 0x%04x", ErrInvalidFormat, l.caps.NumElements, data.Address)
	}
	l.data = data
	node, err := l.newNode()
	if err != nil {
		return err
	}
	if !l.send(PDUComplete, nil) {
		return nil
	}
	l.emitComplete(node)
	return nil
}
