package domain

import (
	"fmt"
	"math/bits"
	"strconv"
	"strings"
)

// Количество десятичных знаков известных токенов. Используется только на границе с отображением.
var TokenDecimals = map[string]uint8{
	"SOL":  9,
	"USDC": 6,
	"USDT": 6,
}

// DecimalsFor возвращает экспоненту токена или 0 для неизвестных
func DecimalsFor(token string) uint8 {
	return TokenDecimals[strings.ToUpper(token)]
}

// AddAmount складывает суммы и сообщает о переполнении
func AddAmount(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry != 0
}

// SaturatingAdd — сложение, которое останавливается на MaxUint64
func SaturatingAdd(a, b uint64) uint64 {
	if sum, overflow := AddAmount(a, b); !overflow {
		return sum
	}
	return ^uint64(0)
}

// ParseAmount переводит десятичную строку ("0.005") в минимальные единицы без плавающей точки.
func ParseAmount(s string, decimals uint8) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" || strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("invalid amount %q", s)
	}

	whole, frac, _ := strings.Cut(s, ".")
	if whole == "" {
		whole = "0"
	}
	if len(frac) > int(decimals) {
		return 0, fmt.Errorf("amount %q has more than %d decimals", s, decimals)
	}
	frac += strings.Repeat("0", int(decimals)-len(frac))

	digits := strings.TrimLeft(whole+frac, "0")
	if digits == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return v, nil
}

// FormatAmount — обратное преобразование для отображения
func FormatAmount(v uint64, decimals uint8) string {
	s := strconv.FormatUint(v, 10)
	if decimals == 0 {
		return s
	}
	d := int(decimals)
	if len(s) <= d {
		s = strings.Repeat("0", d-len(s)+1) + s
	}
	whole, frac := s[:len(s)-d], strings.TrimRight(s[len(s)-d:], "0")
	if frac == "" {
		return whole
	}
	return whole + "." + frac
}
