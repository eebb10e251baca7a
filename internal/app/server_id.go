package app

import (
	"fmt"
	"os"

	"github.com/google/uuid"
)

// GenerateServerID 生成服务器实例ID
// 优先使用配置值，其次环境变量 SERVER_ID，否则生成UUID
func GenerateServerID(configured string) string {
	if configured != "" {
		return configured
	}
	if serverID := os.Getenv("SERVER_ID"); serverID != "" {
		return serverID
	}

	// 生成格式：ocpp-server-{hostname}-{uuid}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	shortUUID := uuid.New().String()[:8]
	return fmt.Sprintf("ocpp-server-%s-%s", hostname, shortUUID)
}
