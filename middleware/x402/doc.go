// Package x402 implementa o middleware de pagamento HTTP 402 com escrow e
// segredo estilo HTLC.
//
// Estados de um job: não cotado -> pendente -> {reivindicado, expirado}.
//
//   - Request sem prova: passa pelo token bucket de cotação (429 se negado),
//     gera segredo + keccak256(segredo), grava o job pendente e responde 402
//     com os termos em headers X-Payment-* e no corpo JSON.
//   - Request com X-Escrow-Proof e X-Payment-Job-Hash: sob o lock da chave do
//     job, verifica a prova na chain (503 se o verificador está indisponível,
//     402 com motivo se inválida ou valor abaixo do preço), roda o handler
//     com PaymentContext e, se ele responder 2xx, remove o job e anexa
//     X-Payment-Secret. Qualquer outro status deixa o job pendente.
//   - Job ausente ou expirado: o handler roda com Secret vazio e a resposta
//     leva X-Payment-Status: no-pending-job.
package x402
