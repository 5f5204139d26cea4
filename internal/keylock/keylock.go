// Package keylock serializa operações de múltiplos passos sobre a mesma chave
// lógica (sessão, job de escrow) para que requisições concorrentes não passem
// juntas por uma checagem de saldo antes do débito.
//
// Chamadas sobre a mesma chave executam uma por vez, na ordem de chegada.
// Chaves diferentes nunca bloqueiam umas às outras. Sem disputa, não existe
// entrada no mapa.
package keylock

import (
	"context"
	"sync"
)

type keyState struct {
	// tail é o sinal do último da fila; o próximo a chegar espera nele.
	tail chan struct{}
	refs int
}

// Locker é seguro para uso concorrente. O zero value está pronto para uso.
type Locker struct {
	mu   sync.Mutex
	keys map[string]*keyState
}

func New() *Locker {
	return &Locker{keys: make(map[string]*keyState)}
}

// enqueue entra na fila da chave e devolve o sinal do anterior (nil se livre)
// e o próprio sinal.
func (l *Locker) enqueue(key string) (prev, mine chan struct{}) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.keys == nil {
		l.keys = make(map[string]*keyState)
	}
	st, ok := l.keys[key]
	if !ok {
		st = &keyState{}
		l.keys[key] = st
	}
	prev = st.tail
	mine = make(chan struct{})
	st.tail = mine
	st.refs++
	return prev, mine
}

func (l *Locker) release(key string, mine chan struct{}) {
	l.mu.Lock()
	if st, ok := l.keys[key]; ok {
		st.refs--
		if st.refs == 0 {
			delete(l.keys, key)
		}
	}
	l.mu.Unlock()
	close(mine)
}

// Lock bloqueia até a chave estar livre e retorna a função de unlock,
// que deve ser chamada exatamente uma vez.
func (l *Locker) Lock(key string) (unlock func()) {
	prev, mine := l.enqueue(key)
	if prev != nil {
		<-prev
	}
	var once sync.Once
	return func() { once.Do(func() { l.release(key, mine) }) }
}

// LockContext é como Lock, mas desiste quando ctx encerra. Quem desiste passa
// a vez adiante assim que o anterior terminar, para a fila não travar.
func (l *Locker) LockContext(ctx context.Context, key string) (unlock func(), err error) {
	prev, mine := l.enqueue(key)
	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			go func() {
				<-prev
				l.release(key, mine)
			}()
			return nil, ctx.Err()
		}
	}
	var once sync.Once
	return func() { once.Do(func() { l.release(key, mine) }) }, nil
}

// WithLock roda fn com a chave travada. O lock é liberado em qualquer saída,
// inclusive panic, então um chamador com falha não trava os seguintes.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	unlock, err := l.LockContext(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Len é o número de chaves com dono ou fila no momento.
func (l *Locker) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.keys)
}
