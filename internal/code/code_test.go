package code

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestGenerateFormat(t *testing.T) {
	g := NewGenerator(func(ctx context.Context, c string) (bool, error) {
		return false, nil
	})

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		c, err := g.Generate(context.Background())
		if err != nil {
			t.Fatalf("Generate вернул ошибку: %v", err)
		}
		if err := Validate(c); err != nil {
			t.Errorf("сгенерирован невалидный код %q: %v", c, err)
		}
		seen[c] = true
	}
	// 100 кодов из пространства 31^6 — коллизии практически исключены
	if len(seen) < 95 {
		t.Errorf("слишком много коллизий: %d уникальных из 100", len(seen))
	}
}

func TestGenerateRetriesOnCollision(t *testing.T) {
	calls := 0
	g := NewGenerator(func(ctx context.Context, c string) (bool, error) {
		calls++
		return calls < 3, nil
	})

	c, err := g.Generate(context.Background())
	if err != nil {
		t.Fatalf("Generate вернул ошибку: %v", err)
	}
	if c == "" {
		t.Error("Generate вернул пустой код")
	}
	if calls != 3 {
		t.Errorf("число проверок занятости: хотели 3, получили %d", calls)
	}
}

func TestGenerateSpaceExhausted(t *testing.T) {
	g := NewGenerator(func(ctx context.Context, c string) (bool, error) {
		return true, nil
	})

	_, err := g.Generate(context.Background())
	if !errors.Is(err, ErrSpaceExhausted) {
		t.Errorf("хотели ErrSpaceExhausted, получили %v", err)
	}
}

func TestGenerateActiveError(t *testing.T) {
	boom := errors.New("store down")
	g := NewGenerator(func(ctx context.Context, c string) (bool, error) {
		return false, boom
	})

	_, err := g.Generate(context.Background())
	if !errors.Is(err, boom) {
		t.Errorf("хотели ошибку проверки, получили %v", err)
	}
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"abc234", "ABC234"},
		{"  XYZ789  ", "XYZ789"},
		{"AbC23\t", "ABC23"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q): хотели %q, получили %q", tt.in, tt.want, got)
		}
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		in   string
		ok   bool
	}{
		{"валидный код", "ABC234", true},
		{"все цифры", "234567", true},
		{"короткий", "ABC23", false},
		{"длинный", "ABC2345", false},
		{"пустой", "", false},
		{"нижний регистр", "abc234", false},
		{"исключённый символ O", "ABCO34", false},
		{"исключённый символ 0", "ABC034", false},
		{"исключённый символ I", "ABCI34", false},
		{"исключённый символ L", "ABCL34", false},
		{"единица", "ABC134", false},
		{"не ASCII", "ABC23Ж", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.in)
			if tt.ok && err != nil {
				t.Errorf("Validate(%q): неожиданная ошибка %v", tt.in, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidFormat) {
				t.Errorf("Validate(%q): хотели ErrInvalidFormat, получили %v", tt.in, err)
			}
		})
	}
}

// TestPickUniform прогоняет pick через все 256 значений байта:
// каждый символ алфавита должен выпадать одинаково часто,
// лишние байты — отбрасываться, а не сворачиваться по модулю.
func TestPickUniform(t *testing.T) {
	counts := make(map[byte]int)
	rejected := 0
	for b := 0; b < 256; b++ {
		c, ok := pick(byte(b))
		if !ok {
			rejected++
			continue
		}
		counts[c]++
	}

	perChar := (256 - 256%len(Alphabet)) / len(Alphabet)
	for i := 0; i < len(Alphabet); i++ {
		if got := counts[Alphabet[i]]; got != perChar {
			t.Errorf("символ %q: хотели %d попаданий, получили %d", Alphabet[i], perChar, got)
		}
	}
	if want := 256 % len(Alphabet); rejected != want {
		t.Errorf("отброшенных байтов: хотели %d, получили %d", want, rejected)
	}
}

func TestAlphabetExcludesAmbiguous(t *testing.T) {
	for _, r := range "01OIL" {
		if strings.ContainsRune(Alphabet, r) {
			t.Errorf("алфавит содержит неоднозначный символ %q", r)
		}
	}
}
