package config

import (
	"strconv"
	"strings"
	"time"
)

// env lê variáveis com fallback: vazio ou inválido mantém o valor atual, que
// já veio dos padrões ou do arquivo.
type env func(string) (string, bool)

func (e env) get(k string) (string, bool) {
	v, ok := e(k)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

func (e env) str(k, def string) string {
	if v, ok := e.get(k); ok {
		return v
	}
	return def
}

func (e env) int(k string, def int) int {
	v, ok := e.get(k)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func (e env) uint(k string, def uint64) uint64 {
	v, ok := e.get(k)
	if !ok {
		return def
	}
	u, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return def
	}
	return u
}

func (e env) bool(k string, def bool) bool {
	v, ok := e.get(k)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func (e env) duration(k string, def time.Duration) time.Duration {
	v, ok := e.get(k)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

// list separa por vírgula e ignora itens vazios.
func (e env) list(k string, def []string) []string {
	v, ok := e.get(k)
	if !ok {
		return def
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
