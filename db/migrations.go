// Package db 内置数据库迁移脚本
package db

import "embed"

// Migrations 内置迁移（*_up.sql / *_down.sql，前缀数字为版本）
//
//go:embed migrations/*.sql
var Migrations embed.FS
