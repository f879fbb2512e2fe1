// Package password はパスワードのハッシュ化・検証と強度チェックを提供します。
package password

import (
	"errors"
	"fmt"
	"unicode"

	"golang.org/x/crypto/bcrypt"
)

const (
	minLength = 8
	// bcrypt は 72 バイトを超える入力を扱えない
	maxLength = 72
)

// ErrWeak は強度要件を満たさない場合に返されます。
var ErrWeak = errors.New("password must be 8-72 characters and contain upper and lower case letters, a digit and a symbol")

// Hash は bcrypt ハッシュを返します。
func Hash(plain string) (string, error) {
	const op = "password.Hash"
	hashed, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("%s: %w", op, err)
	}
	return string(hashed), nil
}

// Verify はハッシュと平文が一致するかを返します。
func Verify(hash, plain string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plain)) == nil
}

// Validate はパスワード強度を検証します。
func Validate(plain string) error {
	if len(plain) < minLength || len(plain) > maxLength {
		return ErrWeak
	}
	var upper, lower, digit, symbol bool
	for _, r := range plain {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		case unicode.IsPunct(r) || unicode.IsSymbol(r):
			symbol = true
		}
	}
	if !upper || !lower || !digit || !symbol {
		return ErrWeak
	}
	return nil
}

// dummyHash はユーザーが存在しない場合にも比較コストを揃えるためのハッシュです。
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("timing-equaliser"), bcrypt.DefaultCost)

// VerifyDummy は存在しないユーザーに対するログイン試行で呼び出します。常に false です。
func VerifyDummy(plain string) bool {
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(plain))
	return false
}
