package protocol

import "github.com/pkg/errors"

var (
	ErrFraming                = errors.New("protocol framing error")
	ErrUnexpectedEOF          = errors.WithMessage(ErrFraming, "unexpected EOF")
	ErrMalformedDatagram      = errors.New("malformed datagram")
	ErrUnsupportedAddressType = errors.New("unsupported address type")
)

func framingf(format string, args ...any) error {
	return errors.Wrapf(ErrFraming, format, args...)
}

func malformedf(format string, args ...any) error {
	return errors.Wrapf(ErrMalformedDatagram, format, args...)
}
