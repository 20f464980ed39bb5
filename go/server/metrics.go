package server

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var messagesReceivedCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "anima_messages_received_total",
	Help: "counter of wire messages accepted at the message endpoint",
})

var messagesRejectedCounter = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "anima_messages_rejected_total",
	Help: "counter of wire messages refused at the boundary",
}, []string{"reason"})

var messagesSentCounter = promauto.NewCounter(prometheus.CounterOpts{
	Name: "anima_messages_sent_total",
	Help: "counter of envelopes delivered to peers",
})
