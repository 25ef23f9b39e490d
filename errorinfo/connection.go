package errorinfo

func ConnectionFailed() *ErrorInfo {
	return New(CodeConnectionFailed, 400, "Connection failed or disconnected by server")
}

func Disconnected() *ErrorInfo {
	return New(CodeDisconnected, 400, "Connection to server temporarily unavailable")
}

func Suspended() *ErrorInfo {
	return New(CodeConnectionSuspended, 400, "Connection to server unavailable")
}

func Closing() *ErrorInfo {
	return New(CodeConnectionClosed, 400, "Connection closing")
}

func Closed() *ErrorInfo {
	return New(CodeConnectionClosed, 400, "Connection closed")
}

func UnknownConnection() *ErrorInfo {
	return New(CodeInternalConnection, 500, "Internal connection error")
}

func UnknownChannel() *ErrorInfo {
	return New(CodeInternalChannel, 500, "Internal channel error")
}

func Timeout(format string, a ...interface{}) *ErrorInfo {
	return New(CodeTimeout, 504, format, a...)
}
