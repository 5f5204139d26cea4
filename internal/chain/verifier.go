// Package chain define o contrato com o serviço que verifica provas on-chain
// (escrow, reputação, nullifiers) e as implementações usadas pelo facilitador.
//
// Todas as chamadas são assíncronas do ponto de vista do protocolo e falham de
// forma intermitente, por isso o facilitador sempre usa Resilient na frente.
package chain

import (
	"context"
	"errors"
)

// ErrUnavailable indica que não foi possível consultar a chain (retries
// esgotados ou circuito aberto). É diferente de uma prova inválida.
var ErrUnavailable = errors.New("chain verifier unavailable")

// EscrowResult é o resultado de VerifyEscrowProof. Valid=false é falha de
// verificação, não erro de infraestrutura.
type EscrowResult struct {
	Valid   bool   `json:"valid"`
	Error   string `json:"error,omitempty"`
	Amount  uint64 `json:"amount,omitempty"`
	JobHash string `json:"jobHash,omitempty"`
}

type ReputationResult struct {
	Valid bool   `json:"valid"`
	Tier  string `json:"tier,omitempty"`
	Error string `json:"error,omitempty"`
}

type Verifier interface {
	VerifyEscrowProof(ctx context.Context, proof string) (EscrowResult, error)
	VerifyReputationProof(ctx context.Context, proof string) (ReputationResult, error)
	IsNullifierUsed(ctx context.Context, nullifier string) (bool, error)
	BlockHeight(ctx context.Context) (uint64, error)
}
