// Package notify publishes approval workflow events.
//
// Publishers: LogPublisher (structured log), ChannelPublisher (in-process
// consumer), KafkaPublisher (franz-go), Recorder (tests) and Multi to fan out.
package notify
