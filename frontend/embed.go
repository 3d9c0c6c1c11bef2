package frontend

import "embed"

// StaticFiles 嵌入管理页面
//
//go:embed index.html
var StaticFiles embed.FS
