package x402

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"facilitator-gateway/internal/chain"
	"facilitator-gateway/internal/keylock"
	"facilitator-gateway/internal/receipts"
	"facilitator-gateway/middleware/ratelimit"
	"facilitator-gateway/middleware/ratelimit/application"
	"facilitator-gateway/middleware/ratelimit/domain"
)

const Version = 1

const (
	HeaderJobHash    = "X-Payment-Job-Hash"
	HeaderPrice      = "X-Payment-Price"
	HeaderNetwork    = "X-Payment-Network"
	HeaderRecipient  = "X-Payment-Recipient"
	HeaderSecretHash = "X-Payment-Secret-Hash"
	HeaderDeadline   = "X-Payment-Deadline"
	HeaderOwner      = "X-Payment-Owner"
	HeaderProof      = "X-Escrow-Proof"
	HeaderSecret     = "X-Payment-Secret"
	HeaderStatus     = "X-Payment-Status"
)

// Motivos devolvidos no corpo do 402.
const (
	ReasonPaymentRequired    = "payment_required"
	ReasonInvalidProof       = "invalid_proof"
	ReasonInsufficientAmount = "insufficient_amount"
	ReasonJobMismatch        = "job_mismatch"
)

// Eventos enviados para Observer.X402Event.
const (
	EventQuoted        = "quoted"
	EventRateLimited   = "rate_limited"
	EventClaimed       = "claimed"
	EventClaimLost     = "claim_lost"
	EventHandlerFailed = "handler_failed"
	EventRejected      = "rejected"
	EventUnavailable   = "verifier_unavailable"
	EventNoPendingJob  = "no_pending_job"
	EventMisdirected   = "misdirected"
	EventStoreFailure  = "store_failure"
)

const (
	DefaultJobTTL = 10 * time.Minute
	// Retry-After do 503 quando o breaker não informa quando reabre.
	defaultUnavailableRetry = 5 * time.Second
)

// Observer recebe decisões do limiter de cotação e eventos do ciclo de vida.
type Observer interface {
	ratelimit.Observer
	X402Event(event string)
}

// OwnerLookup responde qual instância é dona de uma chave (hash ring).
type OwnerLookup interface {
	GetNode(key string) string
}

// ReceiptRecorder grava a liquidação de um job (best-effort).
type ReceiptRecorder interface {
	Record(ctx context.Context, r receipts.Receipt) error
}

type Options struct {
	Recipient     string
	AgentIdentity string
	Network       string
	Price         uint64
	JobTTL        time.Duration

	Verifier chain.Verifier
	Store    PendingStore
	// QuoteLimiter protege a emissão de cotações (token bucket por chave).
	QuoteLimiter domain.Limiter
	KeyFn        ratelimit.KeyFunc
	Locks        *keylock.Locker

	Ring   OwnerLookup
	SelfID string

	Receipts ReceiptRecorder
	Logger   *slog.Logger
	Observer Observer
	Clock    func() time.Time
}

// Terms são os termos de pagamento devolvidos no 402.
type Terms struct {
	JobHash    string `json:"jobHash"`
	Price      string `json:"price"`
	Network    string `json:"network"`
	Recipient  string `json:"recipient"`
	SecretHash string `json:"secretHash"`
	Deadline   int64  `json:"deadline"`
	Owner      string `json:"owner,omitempty"`
}

type paymentRequired struct {
	Error       string  `json:"error"`
	X402Version int     `json:"x402Version"`
	Accepts     []Terms `json:"accepts,omitempty"`
}

type middleware struct {
	opts  Options
	quota application.Service
	next  http.Handler
}

// Middleware protege next com o fluxo x402. Sem Recipient ou AgentIdentity a
// rota é tratada como gratuita e tudo passa direto.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.Recipient == "" || opts.AgentIdentity == "" {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = DefaultJobTTL
	}
	if opts.Network == "" {
		opts.Network = "base-sepolia"
	}
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Locks == nil {
		opts.Locks = keylock.New()
	}
	if opts.KeyFn == nil {
		opts.KeyFn = ratelimit.DefaultKeyFunc("", false)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	return func(next http.Handler) http.Handler {
		return &middleware{
			opts:  opts,
			quota: application.Service{Limiter: opts.QuoteLimiter},
			next:  next,
		}
	}
}

func (m *middleware) event(name string) {
	if m.opts.Observer != nil {
		m.opts.Observer.X402Event(name)
	}
}

func (m *middleware) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	proof := r.Header.Get(HeaderProof)
	jobHash := r.Header.Get(HeaderJobHash)
	if proof == "" || jobHash == "" {
		m.quote(w, r)
		return
	}
	m.claim(w, r, proof, jobHash)
}

func (m *middleware) owner(jobHash string) string {
	if m.opts.Ring == nil {
		return ""
	}
	return m.opts.Ring.GetNode(jobHash)
}

func (m *middleware) quote(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := m.opts.KeyFn(r)

	dec := m.quota.DecideContext(ctx, domain.Key(key))
	if m.opts.Observer != nil && m.opts.QuoteLimiter != nil {
		m.opts.Observer.RateLimitDecision("quote", dec.Allowed)
	}
	if !dec.Allowed {
		m.event(EventRateLimited)
		ratelimit.Reject(w, dec, http.StatusTooManyRequests)
		return
	}

	p, err := m.mint()
	if err != nil {
		m.opts.Logger.Error("mint payment job", "err", err)
		writeError(w, http.StatusInternalServerError, "could not create payment job")
		return
	}

	if err := m.opts.Store.Save(ctx, p, m.opts.JobTTL); err != nil {
		m.event(EventStoreFailure)
		m.opts.Logger.Error("save payment job", "job", p.JobHash, "err", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "payment store unavailable")
		return
	}

	m.event(EventQuoted)
	m.opts.Logger.Debug("payment quoted", "job", p.JobHash, "client", key, "price", p.Price)
	if m.opts.QuoteLimiter != nil {
		ratelimit.SetHeaders(w.Header(), dec)
	}
	m.writeTerms(w, ReasonPaymentRequired, p)
}

// maxMintAttempts limita a busca por um job que caia nesta instância.
const maxMintAttempts = 64

// mint cria um job novo. Com store local o job precisa cair nesta instância
// no ring, senão o dono anunciado nunca o encontraria.
func (m *middleware) mint() (PendingPayment, error) {
	local := !m.opts.Store.Shared() && m.opts.SelfID != ""
	for attempt := 1; ; attempt++ {
		p, err := newPendingPayment(m.opts.AgentIdentity, m.opts.Price, m.opts.Clock(), m.opts.JobTTL)
		if err != nil {
			return PendingPayment{}, err
		}
		p.Owner = m.owner(p.JobHash)
		if !local || p.Owner == "" || p.Owner == m.opts.SelfID {
			return p, nil
		}
		if attempt == maxMintAttempts {
			// ring sem esta instância: o job fica aqui de qualquer forma
			p.Owner = m.opts.SelfID
			return p, nil
		}
	}
}

func (m *middleware) terms(p PendingPayment) Terms {
	return Terms{
		JobHash:    p.JobHash,
		Price:      strconv.FormatUint(p.Price, 10),
		Network:    m.opts.Network,
		Recipient:  m.opts.Recipient,
		SecretHash: p.SecretHash,
		Deadline:   p.Deadline.Unix(),
		Owner:      p.Owner,
	}
}

func (m *middleware) writeTerms(w http.ResponseWriter, reason string, p PendingPayment) {
	t := m.terms(p)
	h := w.Header()
	h.Set(HeaderJobHash, t.JobHash)
	h.Set(HeaderPrice, t.Price)
	h.Set(HeaderNetwork, t.Network)
	h.Set(HeaderRecipient, t.Recipient)
	h.Set(HeaderSecretHash, t.SecretHash)
	h.Set(HeaderDeadline, strconv.FormatInt(t.Deadline, 10))
	if t.Owner != "" {
		h.Set(HeaderOwner, t.Owner)
	}
	writeJSON(w, http.StatusPaymentRequired, paymentRequired{
		Error:       reason,
		X402Version: Version,
		Accepts:     []Terms{t},
	})
}

func (m *middleware) reject(w http.ResponseWriter, reason string) {
	m.event(EventRejected)
	writeJSON(w, http.StatusPaymentRequired, paymentRequired{Error: reason, X402Version: Version})
}

func (m *middleware) claim(w http.ResponseWriter, r *http.Request, proof, jobHash string) {
	ctx := r.Context()

	// job de outra instância com store local: esta instância nunca o verá
	if !m.opts.Store.Shared() {
		if owner := m.owner(jobHash); owner != "" && owner != m.opts.SelfID {
			if _, found, _ := m.opts.Store.Lookup(ctx, jobHash); !found {
				m.event(EventMisdirected)
				w.Header().Set(HeaderOwner, owner)
				writeError(w, http.StatusMisdirectedRequest, "job owned by another facilitator")
				return
			}
		}
	}

	unlock, err := m.opts.Locks.LockContext(ctx, "x402:"+jobHash)
	if err != nil {
		// cliente desistiu enquanto esperava a vez
		return
	}
	defer unlock()

	if m.opts.Verifier == nil {
		m.unavailable(w, jobHash, errors.New("no verifier configured"))
		return
	}
	res, err := m.opts.Verifier.VerifyEscrowProof(ctx, proof)
	if err != nil {
		if errors.Is(err, chain.ErrUnavailable) {
			m.unavailable(w, jobHash, err)
			return
		}
		m.opts.Logger.Info("escrow proof rejected by verifier", "job", jobHash, "err", err)
		m.reject(w, ReasonInvalidProof)
		return
	}
	if !res.Valid {
		reason := res.Error
		if reason == "" {
			reason = ReasonInvalidProof
		}
		m.reject(w, reason)
		return
	}
	if res.JobHash != "" && res.JobHash != jobHash {
		m.reject(w, ReasonJobMismatch)
		return
	}
	if res.Amount < m.opts.Price {
		m.reject(w, ReasonInsufficientAmount)
		return
	}

	p, found, err := m.opts.Store.Lookup(ctx, jobHash)
	if err != nil {
		m.event(EventStoreFailure)
		m.opts.Logger.Error("lookup payment job", "job", jobHash, "err", err)
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "payment store unavailable")
		return
	}

	if !found {
		m.event(EventNoPendingJob)
		w.Header().Set(HeaderStatus, "no-pending-job")
		m.next.ServeHTTP(w, r.WithContext(WithPayment(ctx, PaymentContext{Proof: proof, JobHash: jobHash})))
		return
	}

	// preço gravado na cotação vale se a configuração mudou depois
	if res.Amount < p.Price {
		m.reject(w, ReasonInsufficientAmount)
		return
	}

	bw := newBufferedWriter()
	m.next.ServeHTTP(bw, r.WithContext(WithPayment(ctx, PaymentContext{
		Proof:   proof,
		JobHash: jobHash,
		Secret:  p.Secret,
	})))

	if !bw.success() {
		// fica pendente para o cliente tentar de novo sem nova cotação
		m.event(EventHandlerFailed)
		bw.flushTo(w)
		return
	}

	taken, err := m.opts.Store.Take(ctx, jobHash)
	if err != nil {
		m.opts.Logger.Error("take payment job", "job", jobHash, "err", err)
	}
	if taken {
		m.event(EventClaimed)
		bw.Header().Set(HeaderSecret, p.Secret)
		m.recordReceipt(ctx, p, res.Amount)
	} else {
		m.event(EventClaimLost)
	}
	bw.flushTo(w)
}

func (m *middleware) unavailable(w http.ResponseWriter, jobHash string, err error) {
	m.event(EventUnavailable)
	m.opts.Logger.Warn("escrow verifier unavailable", "job", jobHash, "err", err)

	retry := defaultUnavailableRetry
	var ue *chain.UnavailableError
	if errors.As(err, &ue) && !ue.RetryAt.IsZero() {
		if d := ue.RetryAt.Sub(m.opts.Clock()); d > 0 {
			retry = d
		}
	}
	secs := int64((retry + time.Second - 1) / time.Second)
	w.Header().Set("Retry-After", strconv.FormatInt(secs, 10))
	writeError(w, http.StatusServiceUnavailable, "escrow verifier unavailable")
}

func (m *middleware) recordReceipt(ctx context.Context, p PendingPayment, amount uint64) {
	if m.opts.Receipts == nil {
		return
	}
	err := m.opts.Receipts.Record(context.WithoutCancel(ctx), receipts.Receipt{
		JobHash:       p.JobHash,
		AgentIdentity: p.AgentIdentity,
		Price:         p.Price,
		Amount:        amount,
		ClaimedAt:     m.opts.Clock(),
	})
	if err != nil {
		m.opts.Logger.Warn("record receipt", "job", p.JobHash, "err", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error":       msg,
		"x402Version": Version,
	})
}
