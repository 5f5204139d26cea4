package x402

import (
	"context"
	"crypto/rand"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
)

// PendingPayment é um job cotado e ainda não reivindicado.
//
// Secret nunca é gravado junto com os metadados públicos; os stores guardam
// os dois em chaves separadas.
type PendingPayment struct {
	JobHash       string    `json:"jobHash"`
	AgentIdentity string    `json:"agentIdentity"`
	Price         uint64    `json:"price"`
	Secret        string    `json:"-"`
	SecretHash    string    `json:"secretHash"`
	Owner         string    `json:"owner,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	Deadline      time.Time `json:"deadline"`
}

// PaymentContext é o que o handler protegido recebe no contexto da request.
// Secret vem vazio quando não havia job pendente para o JobHash.
type PaymentContext struct {
	Proof   string
	JobHash string
	Secret  string
}

type ctxKey struct{}

func WithPayment(ctx context.Context, pc PaymentContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, pc)
}

// FromContext devolve o PaymentContext anexado pelo middleware.
func FromContext(ctx context.Context) (PaymentContext, bool) {
	pc, ok := ctx.Value(ctxKey{}).(PaymentContext)
	return pc, ok
}

// SecretHash é keccak256 dos bytes do segredo (HTLC), em hex 0x.
func SecretHash(secret []byte) string {
	return hexutil.Encode(crypto.Keccak256(secret))
}

// VerifySecret confere se o segredo revelado (hex 0x) bate com o hash publicado.
func VerifySecret(secretHex, secretHash string) bool {
	b, err := hexutil.Decode(secretHex)
	if err != nil {
		return false
	}
	return SecretHash(b) == secretHash
}

// newPendingPayment gera segredo aleatório de 32 bytes e o job hash
// keccak256(agent ‖ uuid ‖ nanotime).
func newPendingPayment(agent string, price uint64, now time.Time, ttl time.Duration) (PendingPayment, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return PendingPayment{}, fmt.Errorf("generate secret: %w", err)
	}

	nonce := uuid.New()
	jobHash := crypto.Keccak256(
		[]byte(agent),
		nonce[:],
		[]byte(strconv.FormatInt(now.UnixNano(), 10)),
	)

	return PendingPayment{
		JobHash:       hexutil.Encode(jobHash),
		AgentIdentity: agent,
		Price:         price,
		Secret:        hexutil.Encode(secret),
		SecretHash:    SecretHash(secret),
		CreatedAt:     now,
		Deadline:      now.Add(ttl),
	}, nil
}
