package dap

import (
	"bufio"
	"io"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/go-dap"
)

// incoming is one frame read from the client.
type incoming struct {
	msg dap.Message
	// raw is kept to recover seq and command when decoding failed.
	raw []byte
	// err is a decoding error of this frame only.
	err error
}

func readMessage(r *bufio.Reader) (incoming, error) {
	raw, err := dap.ReadBaseMessage(r)
	if err != nil {
		return incoming{}, err
	}
	msg, err := dap.DecodeProtocolMessage(raw)
	return incoming{msg: msg, raw: raw, err: err}, nil
}

func writeMessage(w io.Writer, m dap.Message) error {
	return dap.WriteProtocolMessage(w, m)
}

// requestHeader recovers seq and command from a payload go-dap could not
// decode.
func requestHeader(raw []byte) (seq int, command string) {
	d := jx.DecodeBytes(raw)
	_ = d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		switch string(key) {
		case "seq":
			if d.Next() != jx.Number {
				return d.Skip()
			}
			n, err := d.Int()
			if err != nil {
				return err
			}
			seq = n
		case "command":
			if d.Next() != jx.String {
				return d.Skip()
			}
			s, err := d.Str()
			if err != nil {
				return err
			}
			command = s
		default:
			return d.Skip()
		}
		return nil
	})
	return seq, command
}

// decodeError classifies the error go-dap returned for a frame.
func decodeError(in incoming) (seq int, command string, err error) {
	seq, command = requestHeader(in.raw)
	if !jx.Valid(in.raw) {
		return seq, command, errors.Wrap(errParse, in.err.Error())
	}
	var fieldErr *dap.DecodeProtocolMessageFieldError
	if errors.As(in.err, &fieldErr) {
		if fieldErr.FieldName == "command" {
			return seq, command, errors.Wrap(errUnsupported, command)
		}
		if fieldErr.FieldName == "type" && fieldErr.FieldValue != "request" {
			return seq, command, &MalformedRequestError{Command: command, Err: errors.Errorf("unexpected %s message", fieldErr.FieldValue)}
		}
	}
	return seq, command, &MalformedRequestError{Command: command, Err: in.err}
}

func (s *Session) nextSeq() int {
	s.seq++
	return s.seq
}

func (s *Session) newEvent(name string) dap.Event {
	return dap.Event{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "event"},
		Event:           name,
	}
}

func (s *Session) newResponse(req *dap.Request) dap.Response {
	return dap.Response{
		ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "response"},
		RequestSeq:      req.Seq,
		Success:         true,
		Command:         req.Command,
	}
}

func (s *Session) newErrResponse(reqSeq int, cmd string, id gniDAPError, details string, show bool) *dap.ErrorResponse {
	return &dap.ErrorResponse{
		Response: dap.Response{
			ProtocolMessage: dap.ProtocolMessage{Seq: s.nextSeq(), Type: "response"},
			RequestSeq:      reqSeq,
			Success:         false,
			Command:         cmd,
			Message:         id.String(),
		},
		Body: dap.ErrorResponseBody{
			Error: &dap.ErrorMessage{
				Id:       int(id),
				Format:   details,
				ShowUser: show,
			},
		},
	}
}
