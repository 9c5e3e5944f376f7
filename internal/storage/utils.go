package storage

import (
	"fmt"
	"strconv"
)

// StrToUint 把线上协议里的十进制用户 ID 还原成数据库主键。
// 非法输入返回 0 和错误。
func StrToUint(s string) (uint, error) {
	val, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("非法的用户 ID %q: %w", s, err)
	}
	return uint(val), nil
}
