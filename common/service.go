// Package common: общая настройка процесса для всех подсистем.
package common

import (
	"github.com/YaganovValera/ticker-pipeline/common/backoff"
	consumer "github.com/YaganovValera/ticker-pipeline/common/kafka/consumer"
	producer "github.com/YaganovValera/ticker-pipeline/common/kafka/producer"
)

// DefaultServiceName: метка, если service_name не задан.
const DefaultServiceName = "ticker-pipeline"

// InitServiceName задаёт метку service для метрик backoff и Kafka-клиентов.
// Вызывается один раз при старте команды, до создания клиентов.
func InitServiceName(name string) {
	if name == "" {
		name = DefaultServiceName
	}
	backoff.SetServiceLabel(name)
	producer.SetServiceLabel(name)
	consumer.SetServiceLabel(name)
}
