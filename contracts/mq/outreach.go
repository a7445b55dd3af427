package mq

// Routing keys on the outreach exchange. Each consumer binds "<key>.q".
const (
	RoutingKeyVerifyBatch  = "verify-batch"
	RoutingKeyCampaignSend = "campaign-send"
	RoutingKeyEmailDeliver = "email-deliver"
)

// QueueName returns the durable queue bound to a routing key.
func QueueName(routingKey string) string {
	return routingKey + ".q"
}

type VerifyBatchPayload struct {
	BatchID int64 `json:"batchId"`
}

// CampaignSendPayload carries the step the recipient was leased at. Jobs
// without it are accepted for any step.
type CampaignSendPayload struct {
	CampaignID  int64 `json:"campaignId"`
	RecipientID int64 `json:"recipientId"`
	Step        *int  `json:"step,omitempty"`
}

type EmailDeliverPayload struct {
	OutboundMessageID int64 `json:"outboundMessageId"`
}
