package fetch

import (
	"errors"
	"fmt"
)

// NetworkError 表示请求未得到任何 HTTP 响应（连接失败、超时、读取中断）。
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure for %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsNetworkFailure 判断 err 链中是否包含 NetworkError。
func IsNetworkFailure(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}
