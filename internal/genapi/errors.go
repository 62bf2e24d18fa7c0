package genapi

import "fmt"

// Kind classifies a provider failure.
type Kind string

const (
	KindTransport Kind = "transport" // retries exhausted on network failures
	KindHTTP      Kind = "http"      // provider answered with an error status
	KindParse     Kind = "parse"     // payload did not match any known shape
	KindFailed    Kind = "failed"    // provider reported a failed generation
	KindTimeout   Kind = "timeout"   // poll loop ran past its wall-clock ceiling
	KindProtocol  Kind = "protocol"  // "processing" without a request id
)

// Error is what the client returns for every provider failure. Error()
// is short and safe to show to a user; the cause carries the detail.
type Error struct {
	Kind Kind
	Op   Operation
	Msg  string
	Err  error
}

func (e *Error) Error() string { return e.Msg }

func (e *Error) Unwrap() error { return e.Err }

// Detail is the full diagnostic string for logs.
func (e *Error) Detail() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
}

var userMessages = map[Kind]string{
	KindTransport: "Проблемы с сетью при обращении к генератору. Попробуйте позже.",
	KindHTTP:      "Генератор временно недоступен. Попробуйте позже.",
	KindParse:     "Генератор вернул неожиданный ответ.",
	KindFailed:    "Генерация не удалась.",
	KindTimeout:   "Генерация заняла слишком много времени.",
	KindProtocol:  "Генератор вернул некорректный ответ.",
}

func newError(op Operation, kind Kind, cause error) *Error {
	return &Error{Kind: kind, Op: op, Msg: userMessages[kind], Err: cause}
}
