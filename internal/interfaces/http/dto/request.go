package dto

import (
	"github.com/gin-gonic/gin"
)

// BindIndexName 从 URI 绑定索引名
func BindIndexName(c *gin.Context) string {
	return c.Param("name")
}

// BindRecordID 从 URI 绑定记录 ID
func BindRecordID(c *gin.Context) string {
	return c.Param("id")
}
