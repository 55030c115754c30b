package jobqueue

import (
	"encoding/json"

	"github.com/Shopify/sarama"
	"github.com/pkg/errors"

	"github.com/l2exodus/recover-state-server/internal/types"
)

// KafkaNotifier publishes a completion message for every finished proof
// task, so an external collaborator watching the topic doesn't have to
// poll the store (spec.md §4.6 "completion notice").
type KafkaNotifier struct {
	producer sarama.SyncProducer
	topic    string
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	cfg.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, errors.Wrap(err, "jobqueue: dial kafka")
	}
	return &KafkaNotifier{producer: producer, topic: topic}, nil
}

type completionMessage struct {
	TaskID    uint64 `json:"task_id"`
	ChainID   uint8  `json:"chain_id"`
	AccountID uint32 `json:"account_id"`
	Token     uint32 `json:"l2_source_token"`
	Status    string `json:"status"`
}

func (n *KafkaNotifier) NotifyTaskDone(task *types.ProofTask) error {
	msg := completionMessage{
		TaskID: task.TaskID, ChainID: task.ExitInfo.ChainID, AccountID: task.ExitInfo.AccountID,
		Token: task.ExitInfo.L2SourceToken, Status: task.Status.String(),
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "jobqueue: marshal completion message")
	}
	_, _, err = n.producer.SendMessage(&sarama.ProducerMessage{
		Topic: n.topic,
		Value: sarama.ByteEncoder(payload),
	})
	return errors.Wrap(err, "jobqueue: publish completion message")
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
