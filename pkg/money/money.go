package money

import (
	"strings"

	"github.com/shopspring/decimal"
)

// 零小数位币种，最小单位即主单位
var zeroDecimalCurrencies = map[string]bool{
	"bif": true, "clp": true, "djf": true, "gnf": true, "jpy": true,
	"kmf": true, "krw": true, "mga": true, "pyg": true, "rwf": true,
	"ugx": true, "vnd": true, "vuv": true, "xaf": true, "xof": true, "xpf": true,
}

// Exponent 返回币种的小数位数
func Exponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToLower(currency)] {
		return 0
	}
	return 2
}

// ToMinor 十进制金额转换为支付渠道使用的最小单位整数 (分)
// 采用四舍五入 (half away from zero)
func ToMinor(amount decimal.Decimal, currency string) int64 {
	return amount.Shift(Exponent(currency)).Round(0).IntPart()
}

// FromMinor 最小单位整数还原为十进制金额
func FromMinor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -Exponent(currency))
}

// Format 按币种精度输出金额字符串，例如 "109.99"
func Format(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(Exponent(currency))
}

// Normalize 将金额截断到币种精度 (四舍五入)
func Normalize(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(Exponent(currency))
}
