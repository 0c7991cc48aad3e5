package sequence

import (
	"crypto/rand"
	"io"
	"math/big"
	"strings"

	"promotions-ledger/pkg/config"

	"go.uber.org/fx"
	"golang.org/x/crypto/bcrypt"
)

var Module = fx.Module("sequence",
	fx.Provide(NewGenerator),
)

const (
	// CodeAlphabet drops 0/O and 1/I so codes survive being read aloud or retyped.
	CodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	codeBlocks   = 4
	codeBlockLen = 4

	pinDigits         = "0123456789"
	defaultPinLength  = 6
	defaultBcryptCost = bcrypt.DefaultCost
)

type Generator interface {
	NextGiftCardCode() (string, error)
	NextPIN() (string, error)
	HashPIN(pin string) (string, error)
	ComparePIN(hash, pin string) bool
}

type CryptoGenerator struct {
	rand       io.Reader
	pinLength  int
	bcryptCost int
}

type Params struct {
	fx.In

	Config *config.Config `optional:"true"`
}

func NewGenerator(p Params) Generator {
	g := &CryptoGenerator{
		rand:       rand.Reader,
		pinLength:  defaultPinLength,
		bcryptCost: defaultBcryptCost,
	}
	if p.Config != nil {
		if p.Config.Promotions.PinLength > 0 {
			g.pinLength = p.Config.Promotions.PinLength
		}
		if p.Config.Promotions.BcryptCost >= bcrypt.MinCost {
			g.bcryptCost = p.Config.Promotions.BcryptCost
		}
	}
	return g
}

// NewCryptoGenerator is the constructor used outside of fx, mostly by tests and the seeder.
func NewCryptoGenerator(pinLength, bcryptCost int) *CryptoGenerator {
	return &CryptoGenerator{rand: rand.Reader, pinLength: pinLength, bcryptCost: bcryptCost}
}

// NextGiftCardCode returns a code formatted as XXXX-XXXX-XXXX-XXXX. Uniqueness is
// enforced by the inserting transaction, not here.
func (g *CryptoGenerator) NextGiftCardCode() (string, error) {
	blocks := make([]string, codeBlocks)
	for i := range blocks {
		block, err := g.randomString(CodeAlphabet, codeBlockLen)
		if err != nil {
			return "", err
		}
		blocks[i] = block
	}
	return strings.Join(blocks, "-"), nil
}

func (g *CryptoGenerator) NextPIN() (string, error) {
	return g.randomString(pinDigits, g.pinLength)
}

func (g *CryptoGenerator) HashPIN(pin string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword([]byte(pin), g.bcryptCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// ComparePIN runs in constant time with respect to the PIN contents.
func (g *CryptoGenerator) ComparePIN(hash, pin string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pin)) == nil
}

func (g *CryptoGenerator) randomString(chars string, n int) (string, error) {
	b := make([]byte, n)
	max := big.NewInt(int64(len(chars)))
	for i := range b {
		num, err := rand.Int(g.rand, max)
		if err != nil {
			return "", err
		}
		b[i] = chars[num.Int64()]
	}
	return string(b), nil
}

// NormalizeCode upper-cases and trims a user-supplied code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
