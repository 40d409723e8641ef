package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

// keyTimeLayout 去重键中时间分量的格式（秒精度，分桶由写入方负责）。
const keyTimeLayout = "2006-01-02 15:04:05"

// DedupKey 计算复合去重键的定宽摘要。
//
// 各分量以 US 分隔符拼接后整体取 sha256，不做前缀截断，
// 因此任意长度的店铺名/品名都不会因截断而互相碰撞。
func DedupKey(parts ...string) string {
	joined := strings.Join(parts, "\x1f")
	sum := sha256.Sum256([]byte(joined))
	return hex.EncodeToString(sum[:])
}

// KeyTime 格式化去重键中的时间分量。
func KeyTime(t time.Time) string {
	return t.Format(keyTimeLayout)
}
