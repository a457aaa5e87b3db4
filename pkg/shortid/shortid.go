// Package shortid 產生房間用的短隨機碼
//
// 字符集：A-Z、a-z、0-9（共 62 個字符）。
// 與遞增 ID 的 Base62 編碼不同，房間碼是純隨機的，
// 唯一性由儲存層的條件建立（create-if-absent）保證。
//
// 容量：4 位 = 62^4 ≈ 1,477 萬個組合
package shortid

import (
	"crypto/rand"
	"errors"
	"math/big"
)

// Alphabet 房間碼字符集
const Alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// ErrInvalidLength 長度必須為正數
var ErrInvalidLength = errors.New("shortid: length must be positive")

var alphabetSize = big.NewInt(int64(len(Alphabet)))

// Generate 產生指定長度的隨機碼
//
// 使用 crypto/rand.Int 取得均勻分佈（避免 byte % 62 的取模偏差）。
func Generate(length int) (string, error) {
	if length <= 0 {
		return "", ErrInvalidLength
	}

	b := make([]byte, length)
	for i := range b {
		n, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		b[i] = Alphabet[n.Int64()]
	}
	return string(b), nil
}

// IsValid 檢查字串是否只包含字符集內的字符
func IsValid(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z':
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		default:
			return false
		}
	}
	return true
}
