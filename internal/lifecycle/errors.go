package lifecycle

import "fmt"

// InstallError 标识导致安装失败的清单条目。
type InstallError struct {
	URL string
	Err error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install %s: %v", e.URL, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}

// StatusError 表示清单资源返回了非 2xx 状态码。
type StatusError struct {
	Status int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d", e.Status)
}
