package errors

// ErrorCode identifies a failure kind. Codes are stable strings that end up
// in logs as error_code.
type ErrorCode string

// Coder is anything that carries an ErrorCode.
type Coder interface {
	Code() ErrorCode
}

// Error is a coded error that may wrap a cause and carry data describing
// the failure (a line number, a field name, the values involved).
type Error interface {
	error
	Coder
	WithMessage(msg string) Error
	WithData(data any) Error
	GetData() any
	Unwrap() error
}

// Factory creates coded errors
type Factory interface {
	New(code ErrorCode) Error
	Wrap(code ErrorCode, err error) Error
	WithMessage(code ErrorCode, msg string) Error
	WithData(code ErrorCode, data any) Error
}
