package audit

import (
	"fmt"
	"strconv"
	"strings"
)

// Micros 定点货币金额，1 个货币单位 = 1,000,000 micros。
// 所有预算运算只走整数路径，禁止 float 参与。
type Micros int64

// PerUnit 每货币单位的 micros 数
const PerUnit Micros = 1_000_000

// MicrosFromUnits 从整数货币单位构造
func MicrosFromUnits(units int64) Micros {
	return Micros(units) * PerUnit
}

// ParseMicros 解析十进制字符串（最多 6 位小数）为 Micros。
// 只做整数运算，超过 6 位小数直接报错而不是四舍五入。
func ParseMicros(s string) (Micros, error) {
	raw := strings.TrimSpace(s)
	if raw == "" {
		return 0, fmt.Errorf("金额不能为空")
	}

	neg := false
	switch raw[0] {
	case '-':
		neg = true
		raw = raw[1:]
	case '+':
		raw = raw[1:]
	}
	if raw == "" {
		return 0, fmt.Errorf("无效的金额: %s", s)
	}

	intPart := raw
	fracPart := ""
	if idx := strings.IndexByte(raw, '.'); idx >= 0 {
		intPart = raw[:idx]
		fracPart = raw[idx+1:]
	}
	if intPart == "" {
		intPart = "0"
	}
	if len(fracPart) > 6 {
		return 0, fmt.Errorf("金额小数位超过 6 位: %s", s)
	}

	units, err := strconv.ParseInt(intPart, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("无效的金额: %s", s)
	}

	var frac int64
	if fracPart != "" {
		padded := fracPart + strings.Repeat("0", 6-len(fracPart))
		frac, err = strconv.ParseInt(padded, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("无效的金额: %s", s)
		}
	}

	total := units*int64(PerUnit) + frac
	if neg {
		total = -total
	}
	return Micros(total), nil
}

// String 格式化为十进制字符串，去掉小数部分的尾随零
func (m Micros) String() string {
	neg := m < 0
	v := int64(m)
	if neg {
		v = -v
	}

	units := v / int64(PerUnit)
	frac := v % int64(PerUnit)

	var sb strings.Builder
	if neg {
		sb.WriteByte('-')
	}
	sb.WriteString(strconv.FormatInt(units, 10))

	if frac != 0 {
		fs := fmt.Sprintf("%06d", frac)
		fs = strings.TrimRight(fs, "0")
		sb.WriteByte('.')
		sb.WriteString(fs)
	}
	return sb.String()
}

// Units 返回整数货币单位部分（向零截断）
func (m Micros) Units() int64 {
	return int64(m) / int64(PerUnit)
}
