package idgen

import (
	cryptorand "crypto/rand"
	"encoding/binary"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Generator 按时间排序的 ULID 生成器，并发安全
type Generator struct {
	mu      sync.Mutex
	entropy io.Reader
}

// New 熵源以 crypto/rand 播种
func New() *Generator {
	var seed int64
	_ = binary.Read(cryptorand.Reader, binary.LittleEndian, &seed)
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return NewDeterministic(seed)
}

// NewDeterministic 同一 seed + 同一时间序列 -> 同一 ID 序列（回测用）
func NewDeterministic(seed int64) *Generator {
	return &Generator{entropy: ulid.Monotonic(rand.New(rand.NewSource(seed)), 0)}
}

// At 以 t 作为 ULID 时间部分
func (g *Generator) At(t time.Time) string {
	g.mu.Lock()
	defer g.mu.Unlock()

	id, err := ulid.New(ulid.Timestamp(t.UTC()), g.entropy)
	if err != nil {
		// 时间回退时 monotonic 熵可能溢出，退回到全新熵
		id = ulid.MustNew(ulid.Timestamp(t.UTC()), ulid.DefaultEntropy())
	}
	return id.String()
}

// Next 以当前时间生成
func (g *Generator) Next() string { return g.At(time.Now()) }
