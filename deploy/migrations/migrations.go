package migrations

import "embed"

// Files 暴露所有 SQL 迁移文件，供离线建库的运维工具读取。
// MySQLStore 启动时也会自行执行等价的 CREATE TABLE IF NOT EXISTS。
//
//go:embed *.sql
var Files embed.FS
