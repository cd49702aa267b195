package burrow

// Delivery is one message pushed to a standing consumer.
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Body        []byte
}

func (d Delivery) String() string {
	return string(d.Body)
}
