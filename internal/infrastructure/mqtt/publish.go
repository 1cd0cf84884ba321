package mqtt

import "fmt"

// maxPayloadSize caps one message; brokers commonly reject larger ones.
const maxPayloadSize = 1 << 20

func checkQoS(qos byte) error {
	if qos > maxQoS {
		return ErrInvalidQoS
	}
	return nil
}

// Publish sends payload on topic and waits for the broker ack (QoS 1 and
// 2) or the write (QoS 0). Requests and replies are never retained; only
// status topics are.
//
//	err := client.Publish(client.Topics().Request("motorsrv/lab"), envelope, 1, false)
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if err := checkQoS(qos); err != nil {
		return err
	}
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrPublishFailed, len(payload), maxPayloadSize)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return await(c.client.Publish(topic, qos, retained, payload), ErrPublishFailed)
}
