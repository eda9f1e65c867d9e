package sim

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"runtime"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat/distuv"
)

// Generation constants for ModelVersion. Changing any of them changes the
// model version.
const (
	amountMu    = 4.6
	amountSigma = 1.1
	minAmount   = 0.01

	suspiciousShare = 0.03

	regularIdentityAlpha    = 8.0
	regularIdentityBeta     = 2.0
	suspiciousIdentityAlpha = 5.0
	suspiciousIdentityBeta  = 3.0

	regularFraudAlpha    = 2.0
	regularFraudBeta     = 8.0
	suspiciousFraudAlpha = 8.0
	suspiciousFraudBeta  = 1.5

	latencyFloor = 0.25 // seconds
	latencyShape = 2.0
	latencyRate  = 8.0

	chunkSize = 4096
)

// txNamespace scopes the name-based transaction ids.
var txNamespace = uuid.MustParse("6f1c2a4e-3b7d-5e9a-8c21-4d0f9b6a7e13")

// Generator synthesizes populations. The zero value is ready to use.
type Generator struct {
	// Workers bounds the number of goroutines sampling row chunks.
	// Zero means GOMAXPROCS. Output does not depend on this value.
	Workers int
}

// Generate synthesizes n transactions from seed using a default Generator.
func Generate(n int, seed int64) (*Population, error) {
	return Generator{}.Generate(n, seed)
}

// Generate synthesizes n transactions from seed. The same (n, seed) always
// yields a field-identical population.
func (g Generator) Generate(n int, seed int64) (*Population, error) {
	if n <= 0 {
		return nil, fmt.Errorf("%w: n must be positive, got %d", ErrInvalidParameter, n)
	}

	workers := g.Workers
	if workers <= 0 {
		workers = runtime.GOMAXPROCS(0)
	}

	txs := make([]Transaction, n)

	var wg sync.WaitGroup
	sem := make(chan struct{}, workers)

	for start := 0; start < n; start += chunkSize {
		end := min(start+chunkSize, n)

		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			for i := lo; i < hi; i++ {
				txs[i] = sampleRow(seed, i)
			}
		}(start, end)
	}

	wg.Wait()

	return &Population{n: n, seed: seed, txs: txs}, nil
}

// sampleRow draws every field of one row from its own seeded stream.
func sampleRow(seed int64, row int) Transaction {
	suspicious := rand.New(fieldSource(seed, row, fieldSegment)).Float64() < suspiciousShare

	idAlpha, idBeta := regularIdentityAlpha, regularIdentityBeta
	frAlpha, frBeta := regularFraudAlpha, regularFraudBeta
	if suspicious {
		idAlpha, idBeta = suspiciousIdentityAlpha, suspiciousIdentityBeta
		frAlpha, frBeta = suspiciousFraudAlpha, suspiciousFraudBeta
	}

	amount := distuv.LogNormal{Mu: amountMu, Sigma: amountSigma, Src: fieldSource(seed, row, fieldAmount)}.Rand()
	identity := distuv.Beta{Alpha: idAlpha, Beta: idBeta, Src: fieldSource(seed, row, fieldIdentity)}.Rand()
	fraud := distuv.Beta{Alpha: frAlpha, Beta: frBeta, Src: fieldSource(seed, row, fieldFraud)}.Rand()
	latency := distuv.Gamma{Alpha: latencyShape, Beta: latencyRate, Src: fieldSource(seed, row, fieldLatency)}.Rand()

	fraud = clampUnit(fraud)

	return Transaction{
		ID:                 transactionID(seed, row),
		Amount:             roundCents(amount),
		IdentityMatchScore: clampUnit(identity),
		FraudProbability:   fraud,
		IsTrueFraud:        fraud > TrueFraudCut,
		BaseLatency:        latencyFloor + latency,
	}
}

func transactionID(seed int64, row int) string {
	var buf [16]byte
	binary.BigEndian.PutUint64(buf[0:8], uint64(seed))
	binary.BigEndian.PutUint64(buf[8:16], uint64(row))
	return uuid.NewSHA1(txNamespace, buf[:]).String()
}

func roundCents(v float64) float64 {
	rounded := decimal.NewFromFloat(v).Round(2).InexactFloat64()
	return math.Max(rounded, minAmount)
}

func clampUnit(v float64) float64 {
	return math.Min(1, math.Max(0, v))
}
