// Package hashring distribui a posse de chaves opacas entre instâncias do
// facilitador usando hashing consistente com nós virtuais.
//
// Duas instâncias com a mesma lista de membros calculam exatamente a mesma
// posse, sem coordenação central.
package hashring

import (
	"sort"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
)

const DefaultVirtualNodes = 150

type Config struct {
	VirtualNodes int
}

func DefaultConfig() Config {
	return Config{VirtualNodes: DefaultVirtualNodes}
}

type position struct {
	hash uint64
	node string
}

// Ring é seguro para uso concorrente.
type Ring struct {
	mu        sync.RWMutex
	vnodes    int
	positions []position // ordenado por hash
	nodes     map[string]struct{}
}

func New(cfg Config) *Ring {
	if cfg.VirtualNodes <= 0 {
		cfg.VirtualNodes = DefaultVirtualNodes
	}
	return &Ring{
		vnodes: cfg.VirtualNodes,
		nodes:  make(map[string]struct{}),
	}
}

func hashKey(s string) uint64 {
	return xxhash.Sum64String(s)
}

func vnodeKey(node string, i int) string {
	return node + "#vnode" + strconv.Itoa(i)
}

// AddNode é idempotente.
func (r *Ring) AddNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; ok {
		return
	}
	r.nodes[id] = struct{}{}
	for i := 0; i < r.vnodes; i++ {
		r.positions = append(r.positions, position{hash: hashKey(vnodeKey(id, i)), node: id})
	}
	sort.Slice(r.positions, func(a, b int) bool {
		if r.positions[a].hash == r.positions[b].hash {
			return r.positions[a].node < r.positions[b].node
		}
		return r.positions[a].hash < r.positions[b].hash
	})
}

// RemoveNode remove só as posições do nó; as demais mantêm o dono.
func (r *Ring) RemoveNode(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.nodes[id]; !ok {
		return
	}
	delete(r.nodes, id)

	kept := r.positions[:0]
	for _, p := range r.positions {
		if p.node != id {
			kept = append(kept, p)
		}
	}
	r.positions = kept
}

// search retorna o índice da primeira posição com hash >= h, voltando a 0
// quando h passa da maior posição. Chamar com o lock de leitura.
func (r *Ring) search(h uint64) int {
	i := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i].hash >= h
	})
	if i == len(r.positions) {
		return 0
	}
	return i
}

// GetNode retorna o dono da chave, ou "" com o anel vazio.
func (r *Ring) GetNode(key string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(r.positions) == 0 {
		return ""
	}
	return r.positions[r.search(hashKey(key))].node
}

// GetNodes anda no sentido horário coletando até n donos físicos distintos
// (réplicas). Com menos nós que n, retorna todos.
func (r *Ring) GetNodes(key string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || len(r.positions) == 0 {
		return nil
	}
	if n > len(r.nodes) {
		n = len(r.nodes)
	}

	out := make([]string, 0, n)
	seen := make(map[string]struct{}, n)
	start := r.search(hashKey(key))
	for i := 0; i < len(r.positions) && len(out) < n; i++ {
		p := r.positions[(start+i)%len(r.positions)]
		if _, ok := seen[p.node]; ok {
			continue
		}
		seen[p.node] = struct{}{}
		out = append(out, p.node)
	}
	return out
}

// GetDistribution conta posições virtuais por nó físico.
func (r *Ring) GetDistribution() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]int, len(r.nodes))
	for _, p := range r.positions {
		out[p.node]++
	}
	return out
}

// Nodes retorna os membros em ordem lexicográfica.
func (r *Ring) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.nodes))
	for id := range r.nodes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Ring) Size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func (r *Ring) VirtualNodes() int { return r.vnodes }
