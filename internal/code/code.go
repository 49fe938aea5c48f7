// Пакет code — генерация и валидация кодов шар.
// Код — единственный ключ доступа к загруженным файлам, поэтому
// алфавит исключает визуально неоднозначные символы (0/O, 1/I/L),
// а генерация использует crypto/rand.
package code

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
)

const (
	// Length — длина кода шары
	Length = 6

	// Alphabet — допустимые символы кода
	Alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

	// maxAttempts — предел попыток генерации при коллизиях
	// с активными шарами
	maxAttempts = 10
)

var (
	// ErrInvalidFormat — строка не является кодом шары
	ErrInvalidFormat = errors.New("invalid code format")

	// ErrSpaceExhausted — не удалось подобрать свободный код
	// за maxAttempts попыток
	ErrSpaceExhausted = errors.New("code space exhausted")
)

// ActiveFunc сообщает, занят ли код активной шарой.
// Истёкшие и сгоревшие шары код не удерживают.
type ActiveFunc func(ctx context.Context, code string) (bool, error)

// Generator выдаёт коды, свободные от коллизий с активными шарами.
type Generator struct {
	active ActiveFunc
}

// NewGenerator создаёт генератор поверх проверки занятости active.
func NewGenerator(active ActiveFunc) *Generator {
	return &Generator{active: active}
}

// Generate возвращает новый код, не занятый активной шарой.
// При исчерпании попыток возвращает ErrSpaceExhausted.
func (g *Generator) Generate(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		c, err := random()
		if err != nil {
			return "", fmt.Errorf("генерация кода: %w", err)
		}

		busy, err := g.active(ctx, c)
		if err != nil {
			return "", fmt.Errorf("проверка занятости кода: %w", err)
		}
		if !busy {
			return c, nil
		}
	}
	return "", ErrSpaceExhausted
}

// random возвращает случайный код из Alphabet.
// Байты источника проходят через pick: без отбрасывания остатка
// первые символы алфавита выпадали бы чаще остальных.
func random() (string, error) {
	out := make([]byte, 0, Length)
	buf := make([]byte, Length)
	for len(out) < Length {
		if _, err := rand.Read(buf); err != nil {
			return "", err
		}
		for _, b := range buf {
			c, ok := pick(b)
			if !ok {
				continue
			}
			out = append(out, c)
			if len(out) == Length {
				break
			}
		}
	}
	return string(out), nil
}

// pick отображает случайный байт в символ алфавита равномерно.
// Байты выше порога отбрасываются: 256 не кратно длине алфавита,
// остаток дал бы перекос в сторону младших символов.
func pick(b byte) (byte, bool) {
	const limit = 256 - 256%len(Alphabet)
	if int(b) >= limit {
		return 0, false
	}
	return Alphabet[int(b)%len(Alphabet)], true
}

// Normalize приводит пользовательский ввод к каноническому виду:
// обрезает пробелы и поднимает регистр. Валидацию не выполняет.
func Normalize(raw string) string {
	return strings.ToUpper(strings.TrimSpace(raw))
}

// Validate проверяет, что s — корректный код шары.
func Validate(s string) error {
	if len(s) != Length {
		return ErrInvalidFormat
	}
	for i := 0; i < len(s); i++ {
		if !strings.ContainsRune(Alphabet, rune(s[i])) {
			return ErrInvalidFormat
		}
	}
	return nil
}
