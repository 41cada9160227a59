package sharednote

import "errors"

// Protocol reverts. The messages are surfaced verbatim as transaction revert reasons.
var (
	ErrNoteAlreadyExists = errors.New("note already exists")
	ErrNoteNotFound      = errors.New("note not found")
)

// ErrorFromReason maps a revert reason back to its protocol sentinel. Unknown reasons are
// returned as plain errors.
func ErrorFromReason(reason string) error {
	switch reason {
	case "":
		return nil
	case ErrNoteAlreadyExists.Error():
		return ErrNoteAlreadyExists
	case ErrNoteNotFound.Error():
		return ErrNoteNotFound
	default:
		return errors.New(reason)
	}
}
