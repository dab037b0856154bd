// Package api defines the JSON message shapes exchanged between the
// retrieval server and its clients. The wire surface is deliberately small:
// public parameters plus hint, query/answer, and the plaintext centroid
// table.
package api

import (
	"github.com/0xWOLAND/tiptoe/pkg/lwe"
	"github.com/0xWOLAND/tiptoe/pkg/matrix"
	"github.com/0xWOLAND/tiptoe/pkg/pir"
)

// Matrix is the wire encoding of a Z_q matrix.
type Matrix struct {
	Rows uint64   `json:"rows"`
	Cols uint64   `json:"cols"`
	Data []uint32 `json:"data"`
}

// FromMatrix copies a matrix into its wire form.
func FromMatrix(m *matrix.Matrix) Matrix {
	out := Matrix{Rows: m.Rows, Cols: m.Cols, Data: make([]uint32, len(m.Data))}
	copy(out.Data, m.Data)
	return out
}

// ToMatrix converts the wire form back. Returns false when the declared
// shape disagrees with the payload length.
func (m Matrix) ToMatrix() (*matrix.Matrix, bool) {
	if uint64(len(m.Data)) != m.Rows*m.Cols {
		return nil, false
	}
	data := make([]uint32, len(m.Data))
	copy(data, m.Data)
	return matrix.FromData(m.Rows, m.Cols, data), true
}

// ParamsResponse is the reply to GET /dbs/{name}/params: everything a client
// needs to query one database for one epoch. The public matrix A is never
// transmitted; the client expands it from Seed.
type ParamsResponse struct {
	Seed       []byte    `json:"seed"`
	NumRecords uint64    `json:"num_records"`
	RecordLen  uint64    `json:"record_len"`
	SecretDim  uint64    `json:"secret_dim"`
	LogQ       uint64    `json:"log_q"`
	P          uint64    `json:"p"`
	Delta      uint64    `json:"delta"`
	Sigma      float64   `json:"sigma"`
	Epoch      pir.Epoch `json:"epoch"`
	Hint       Matrix    `json:"hint"`
}

// LWEParams reconstructs the parameter set from the wire form.
func (p *ParamsResponse) LWEParams() *lwe.Params {
	return &lwe.Params{
		N:     p.SecretDim,
		M:     p.NumRecords,
		LogQ:  p.LogQ,
		P:     p.P,
		Sigma: p.Sigma,
	}
}

// QueryRequest is the body of POST /dbs/{name}/query. Epoch is the epoch
// the client built the ciphertext under, echoed for observability; the
// server always answers against its current data.
type QueryRequest struct {
	Ciphertext []uint32  `json:"ciphertext"`
	Epoch      pir.Epoch `json:"epoch"`
}

// QueryResponse carries the answer vector and the epoch it was computed
// under. A client whose hint epoch differs rejects the answer and refetches
// parameters before retrying.
type QueryResponse struct {
	Answer []uint32  `json:"answer"`
	Epoch  pir.Epoch `json:"epoch"`
}

// ClusterInfo names one cluster's membership database and the documents
// behind its rows, in row order. Epoch records which build of the database
// the row/id pairing belongs to; a client routing by this table must only
// pair rows fetched at the same epoch with MemberIDs. TextDBName names the
// companion database holding the documents' compressed text, when the
// corpus carries text.
type ClusterInfo struct {
	ID         int       `json:"id"`
	DBName     string    `json:"db_name"`
	Epoch      pir.Epoch `json:"epoch"`
	MemberIDs  []string  `json:"member_ids"`
	TextDBName string    `json:"text_db_name,omitempty"`
	TextEpoch  pir.Epoch `json:"text_epoch"`
}

// CentroidsResponse is the routing table backing client-side cluster
// selection, refetched whenever a member fetch observes a newer epoch.
// Centroid coordinates reveal nothing about which one a client will later
// pick.
type CentroidsResponse struct {
	Metric    string        `json:"metric"`
	Dimension int           `json:"dimension"`
	P         uint64        `json:"p"`
	Centroids [][]float64   `json:"centroids"`
	Clusters  []ClusterInfo `json:"clusters"`
}

// ErrorResponse is the body of any non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}
