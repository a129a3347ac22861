package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// 所有领域事件走同一个 topic exchange；处理失败且不再重试的消息
// 以原 routing key 投递到死信 exchange，每个工作队列有对应的 <queue>.dlq
const (
	ExchangeName    = "casa.events"
	DLQExchangeName = "casa.events.dlq"
)

// open 建立连接和 channel，并声明两个 exchange
func open(url string) (*amqp091.Connection, *amqp091.Channel, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, nil, fmt.Errorf("failed to open channel: %w", err)
	}
	for _, name := range []string{ExchangeName, DLQExchangeName} {
		if err := ch.ExchangeDeclare(name, "topic", true, false, false, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return nil, nil, fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}
	return conn, ch, nil
}

// declareWorkQueue 声明持久化工作队列及其死信队列，二者都按 routingKey 绑定
func declareWorkQueue(ch *amqp091.Channel, queueName, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(queueName, true, false, false, false, nil)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare queue %s: %w", queueName, err)
	}
	if err := ch.QueueBind(q.Name, routingKey, ExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind queue %s: %w", queueName, err)
	}

	dlq, err := ch.QueueDeclare(queueName+".dlq", true, false, false, false, nil)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare dlq for %s: %w", queueName, err)
	}
	if err := ch.QueueBind(dlq.Name, routingKey, DLQExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind dlq for %s: %w", queueName, err)
	}
	return q, nil
}
