// Package generator produces fake balance and settlement events for load
// testing the processor.
package generator

import (
	"time"

	"github.com/google/uuid"
	"github.com/jaswdr/faker"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
	"github.com/jittakal/kafeventledger/internal/kafka"
)

const historySize = 100

// BalanceUpdate is keyed by eventId.
type BalanceUpdate struct {
	EventID    string          `json:"eventId"`
	AccountID  string          `json:"accountId"`
	Currency   string          `json:"currency"`
	Amount     decimal.Decimal `json:"amount"`
	Reason     string          `json:"reason"`
	OccurredAt time.Time       `json:"occurredAt"`
}

// TradeSettled is keyed by messageId, the lowest-precedence id field.
type TradeSettled struct {
	MessageID    string          `json:"messageId"`
	TradeID      string          `json:"tradeId"`
	Symbol       string          `json:"symbol"`
	Side         string          `json:"side"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Counterparty string          `json:"counterparty"`
	SettledAt    time.Time       `json:"settledAt"`
}

// Generator builds batches of events. Not safe for concurrent use.
type Generator struct {
	config  dto.GeneratorConfig
	faker   faker.Faker
	logger  *zap.Logger
	now     func() time.Time
	history []kafka.Message
}

func NewGenerator(config dto.GeneratorConfig, logger *zap.Logger) *Generator {
	if config.BatchSize <= 0 {
		config.BatchSize = 1
	}
	if config.BalanceTopic == "" {
		config.BalanceTopic = "balance_update"
	}
	if config.TradeTopic == "" {
		config.TradeTopic = "trade_settled"
	}
	return &Generator{
		config: config,
		faker:  faker.New(),
		logger: logger,
		now:    time.Now,
	}
}

// Batch returns BatchSize messages. Each slot is a settlement with
// TradeProbability, otherwise a balance update, and with DuplicateFraction
// it instead repeats a recently generated message verbatim.
func (g *Generator) Batch() []kafka.Message {
	batch := make([]kafka.Message, 0, g.config.BatchSize)
	for i := 0; i < g.config.BatchSize; i++ {
		if len(g.history) > 0 && g.chance(g.config.DuplicateFraction) {
			dup := g.history[g.faker.IntBetween(0, len(g.history)-1)]
			batch = append(batch, dup)
			g.logger.Debug("repeating event", zap.String("topic", dup.Topic), zap.String("key", dup.Key))
			continue
		}

		var msg kafka.Message
		if g.chance(g.config.TradeProbability) {
			trade := g.TradeSettled()
			msg = kafka.Message{Topic: g.config.TradeTopic, Key: trade.MessageID, Payload: trade}
		} else {
			update := g.BalanceUpdate()
			msg = kafka.Message{Topic: g.config.BalanceTopic, Key: update.EventID, Payload: update}
		}
		g.remember(msg)
		batch = append(batch, msg)
	}
	return batch
}

func (g *Generator) BalanceUpdate() BalanceUpdate {
	cents := int64(g.faker.IntBetween(-500000, 500000))
	return BalanceUpdate{
		EventID:    uuid.NewString(),
		AccountID:  g.generateAccountID(),
		Currency:   g.randomCurrency(),
		Amount:     decimal.New(cents, -2),
		Reason:     g.randomReason(),
		OccurredAt: g.now().UTC(),
	}
}

func (g *Generator) TradeSettled() TradeSettled {
	quantity := decimal.NewFromInt(int64(g.faker.IntBetween(1, 1000)))
	price := decimal.New(int64(g.faker.IntBetween(100, 5000000)), -2)
	return TradeSettled{
		MessageID:    uuid.NewString(),
		TradeID:      "T" + g.faker.UUID().V4()[0:8],
		Symbol:       g.randomSymbol(),
		Side:         g.randomSide(),
		Quantity:     quantity,
		Price:        price,
		Amount:       quantity.Mul(price),
		Counterparty: g.faker.Company().Name(),
		SettledAt:    g.now().UTC(),
	}
}

func (g *Generator) remember(msg kafka.Message) {
	if len(g.history) == historySize {
		g.history = g.history[1:]
	}
	g.history = append(g.history, msg)
}

// chance reports true with probability p, at 0.01% resolution.
func (g *Generator) chance(p float64) bool {
	if p <= 0 {
		return false
	}
	if p >= 1 {
		return true
	}
	return g.faker.IntBetween(1, 10000) <= int(p*10000)
}

func (g *Generator) generateAccountID() string {
	return "ACC" + g.faker.UUID().V4()[0:8]
}

func (g *Generator) randomCurrency() string {
	currencies := []string{"USD", "EUR", "GBP", "JPY", "CHF", "SGD"}
	return currencies[g.faker.IntBetween(0, len(currencies)-1)]
}

func (g *Generator) randomSymbol() string {
	symbols := []string{"AAPL", "MSFT", "GOOGL", "AMZN", "NVDA", "TSLA", "BTC-USD", "ETH-USD"}
	return symbols[g.faker.IntBetween(0, len(symbols)-1)]
}

func (g *Generator) randomSide() string {
	if g.faker.IntBetween(0, 1) == 0 {
		return "buy"
	}
	return "sell"
}

func (g *Generator) randomReason() string {
	reasons := []string{"deposit", "withdrawal", "fee", "interest", "transfer"}
	weights := []int{40, 30, 10, 5, 15}

	roll := g.faker.IntBetween(1, 100)
	cumulative := 0
	for i, weight := range weights {
		cumulative += weight
		if roll <= cumulative {
			return reasons[i]
		}
	}
	return reasons[0]
}
