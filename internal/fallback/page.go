// Package fallback synthesizes the offline document served when a navigation
// can be answered neither from cache nor from the network. The page is fully
// self-contained (inline styles, no external references) and never touches the
// network or any cache store itself.
package fallback

import (
	"bytes"
	"html/template"
	"net/http"
	"time"

	"github.com/formqrapp/pwa-shell/internal/cache"
)

// RetryControlID 是离线页中重试按钮的 DOM id，测试与前端脚本据此定位。
const RetryControlID = "offline-retry"

var pageTemplate = template.Must(template.New("offline").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Offline - {{.AppName}}</title>
<style>
* { margin: 0; padding: 0; box-sizing: border-box; }
body {
  font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
  background: linear-gradient(135deg, #EBF5FF 0%, #FFFFFF 100%);
  min-height: 100vh;
  display: flex;
  align-items: center;
  justify-content: center;
  padding: 20px;
  text-align: center;
}
.offline-container {
  background: white;
  padding: 50px 40px;
  border-radius: 24px;
  box-shadow: 0 10px 40px rgba(0, 0, 0, 0.15);
  max-width: 500px;
}
h1 { font-size: 28px; color: #1F2937; margin-bottom: 15px; }
p { font-size: 16px; color: #6B7280; line-height: 1.6; margin-bottom: 25px; }
.btn-retry {
  display: inline-block;
  background: linear-gradient(135deg, #4A90E2 0%, #357ABD 100%);
  color: white;
  padding: 14px 32px;
  border: none;
  border-radius: 50px;
  font-size: 16px;
  font-weight: 600;
  cursor: pointer;
  text-decoration: none;
}
</style>
</head>
<body>
<div class="offline-container">
<h1>You're Offline</h1>
<p>Please connect to the internet to access {{.AppName}}. The app requires an active connection to submit forms and download documents.</p>
<a id="` + RetryControlID + `" class="btn-retry" href="{{.RetryURL}}" onclick="window.location.reload(); return false;">Retry</a>
</div>
</body>
</html>
`))

// Page 生成离线兜底页：状态码 200，正文为内联样式的 HTML，重试按钮重新发起原始导航。
// retryURL 为空时按钮指向当前页面。
func Page(appName, retryURL string) *cache.Response {
	if retryURL == "" {
		retryURL = "."
	}

	var buf bytes.Buffer
	// 模板在包初始化时已校验，执行失败只可能来自写入 bytes.Buffer，不会发生。
	_ = pageTemplate.Execute(&buf, struct {
		AppName  string
		RetryURL string
	}{AppName: appName, RetryURL: retryURL})

	header := http.Header{}
	header.Set("Content-Type", "text/html; charset=utf-8")
	header.Set("Cache-Control", "no-store")

	return &cache.Response{
		URL:      retryURL,
		Status:   http.StatusOK,
		Header:   header,
		Body:     buf.Bytes(),
		StoredAt: time.Now().UTC(),
	}
}
