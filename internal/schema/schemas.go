package schema

import _ "embed"

// TickerSchema: схема входной записи (значение топика тикера).
//
//go:embed avro/ticker.avsc
var TickerSchema string

// PredictionSchema: схема обогащённой записи (значение выходного топика).
//
//go:embed avro/prediction.avsc
var PredictionSchema string

// ValueSubject возвращает subject по TopicNameStrategy ("<topic>-value").
func ValueSubject(topic string) string { return topic + "-value" }
