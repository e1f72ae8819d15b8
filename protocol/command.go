package protocol

import "fmt"

// Command tags, matched case-sensitively against field 0.
const (
	TagMessage       = "T_MESSAGE"
	TagRegister      = "T_REGISTER"
	TagDeleteAccount = "T_DELETE_ACCOUNT"
)

// Command is a parsed frame. The concrete types are Register, Message and
// DeleteAccount.
type Command interface {
	Tag() string
	Fields() []string
}

// Register creates the account, or logs in when the login already exists.
type Register struct {
	Login  string
	Secret string
}

func (Register) Tag() string { return TagRegister }

func (c Register) Fields() []string { return []string{TagRegister, c.Login, c.Secret} }

// Message is fanned out to every connection.
type Message struct {
	Sender string
	Body   string
}

func (Message) Tag() string { return TagMessage }

func (c Message) Fields() []string { return []string{TagMessage, c.Sender, c.Body} }

// DeleteAccount removes the account and closes the connection that sent it.
type DeleteAccount struct {
	Login string
}

func (DeleteAccount) Tag() string { return TagDeleteAccount }

func (c DeleteAccount) Fields() []string { return []string{TagDeleteAccount, c.Login} }

// Parse maps a frame to a Command. Fields beyond the ones a command needs
// are ignored.
func Parse(f Frame) (Command, error) {
	fields := f.Fields
	switch f.Tag() {
	case TagMessage:
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: %s needs 3 fields, got %d", ErrMalformed, TagMessage, len(fields))
		}
		return Message{Sender: fields[1], Body: fields[2]}, nil
	case TagRegister:
		if len(fields) < 3 {
			return nil, fmt.Errorf("%w: %s needs 3 fields, got %d", ErrMalformed, TagRegister, len(fields))
		}
		return Register{Login: fields[1], Secret: fields[2]}, nil
	case TagDeleteAccount:
		if len(fields) < 2 {
			return nil, fmt.Errorf("%w: %s needs 2 fields, got %d", ErrMalformed, TagDeleteAccount, len(fields))
		}
		return DeleteAccount{Login: fields[1]}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, f.Tag())
	}
}

// EncodeCommand is the client side of Parse.
func EncodeCommand(c Command) ([]byte, error) {
	return Encode(c.Fields()...)
}
