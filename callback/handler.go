package callback

import "go.uber.org/zap"

// Handler receives failures of callback dispatch: errors returned by the
// callback, panics and conversion errors. Native code always gets the zero
// value of the declared return type after a failure.
type Handler interface {
	HandleCallbackError(cb *Callback, err error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(cb *Callback, err error)

func (f HandlerFunc) HandleCallbackError(cb *Callback, err error) {
	f(cb, err)
}

type logHandler struct{}

func (logHandler) HandleCallbackError(cb *Callback, err error) {
	Logger().Error("callback failed",
		zap.String("callback", cb.Name()),
		zap.Stringer("type", cb.FuncType()),
		zap.Error(err))
}

// DefaultHandler logs failures through Logger.
var DefaultHandler Handler = logHandler{}
