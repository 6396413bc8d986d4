package infra

import "fmt"

const (
	// RedisNamespace Базовый префикс для изоляции данных проекта в Redis
	RedisNamespace = "agentpay"
)

// Ключи блокировок
const (
	RedisKeyLockPrefix = RedisNamespace + ":lock:"
)

// Каналы Pub/Sub (события)
const (
	RedisChanPolicyUpdate = RedisNamespace + ":policies:update-signal"
)

// LockKey Генератор ключей для распределенных блокировок
func LockKey(resource string) string {
	return RedisKeyLockPrefix + resource
}

// WalletLockResource — ресурс сериализации оценки и записи перевода по кошельку
func WalletLockResource(wallet string) string {
	return fmt.Sprintf("wallet:%s", wallet)
}

// Приостановка агентов (kill-switch)
const (
	RedisKeyAgentsSuspended = RedisNamespace + ":agents:suspended"
	RedisChanKillSwitch     = RedisNamespace + ":agents:kill-switch"
)
