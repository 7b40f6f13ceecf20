package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Ledger ─────────────────────────────────────────────────────────────────

// LedgerTransactions 账本写入结果，result ∈ applied|replayed|rejected|error
var LedgerTransactions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditsystem",
	Subsystem: "ledger",
	Name:      "transactions_total",
	Help:      "Credit transactions by kind and outcome.",
}, []string{"kind", "result"})

// LedgerCredits 入账/出账的积分总量
var LedgerCredits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditsystem",
	Subsystem: "ledger",
	Name:      "credits_total",
	Help:      "Absolute credits moved by completed transactions, by kind.",
}, []string{"kind"})

// ReconcileDrift 最近一轮对账中物化余额与流水回放不一致的账户数
var ReconcileDrift = promauto.NewGauge(prometheus.GaugeOpts{
	Namespace: "creditsystem",
	Subsystem: "ledger",
	Name:      "reconcile_drift_accounts",
	Help:      "Accounts whose materialized balance disagreed with the replayed log in the last reconcile run.",
})

// ─── Rules ──────────────────────────────────────────────────────────────────

// RuleAllocations 规则评估结果，result ∈ allocated|skipped|failed
var RuleAllocations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditsystem",
	Subsystem: "rules",
	Name:      "evaluations_total",
	Help:      "Rule evaluations by rule and outcome.",
}, []string{"rule", "result"})

// ─── Sessions ───────────────────────────────────────────────────────────────

// SessionTransitions 会话状态流转次数
var SessionTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditsystem",
	Subsystem: "session",
	Name:      "transitions_total",
	Help:      "Interview session state transitions.",
}, []string{"session_type", "to"})

// ─── Outbox ─────────────────────────────────────────────────────────────────

// OutboxPublished 本地消息投递结果，result ∈ sent|retry|failed
var OutboxPublished = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "creditsystem",
	Subsystem: "outbox",
	Name:      "messages_total",
	Help:      "Outbox messages by publish outcome.",
}, []string{"result"})

// OutboxBacklog 本地消息表中各状态的积压数量，status ∈ PENDING|FAILED
var OutboxBacklog = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Namespace: "creditsystem",
	Subsystem: "outbox",
	Name:      "backlog",
	Help:      "Outbox messages waiting to be published or given up on.",
}, []string{"status"})
