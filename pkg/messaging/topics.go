package messaging

const (
	StreamName = "mpc-guardian"

	RequestSubjects = "mpc.guardian.request.*"
	ResultSubjects  = "mpc.guardian.result.*"

	CoordinatorConsumer = "mpc-guardian-coordinator"
)

// FormatInboxSubject is the core NATS subject a guardian receives peer round messages on.
func FormatInboxSubject(guardianID string) string {
	return "mpc.guardian." + guardianID + ".inbox"
}

// FormatRequestTopic is the JetStream subject carrying coordinator requests for one guardian.
func FormatRequestTopic(guardianID string) string {
	return "mpc.guardian.request." + guardianID
}

// FormatResultTopic is the JetStream subject a guardian reports session outcomes on.
func FormatResultTopic(guardianID string) string {
	return "mpc.guardian.result." + guardianID
}

func RequestConsumerName(guardianID string) string {
	return "mpc-guardian-" + guardianID
}

// FormatMaxDeliveriesAdvisory is the JetStream advisory raised when consumer gave up on a message of stream.
func FormatMaxDeliveriesAdvisory(stream, consumer string) string {
	return "$JS.EVENT.ADVISORY.CONSUMER.MAX_DELIVERIES." + stream + "." + consumer
}
