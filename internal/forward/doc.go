// Package forward relays messages between the QQ and Telegram sides of
// an instance's forwarding pairs.
//
// The Engine handles inbound platform messages: each is published to
// gateway subscribers as a message.created event, deduplicated by its
// encoded message id, relayed to the counterpart platform of every
// matching pair, and recorded in the message-id mapping store so
// replies resolve across platforms.
//
// The Executor exposes the engine to gateway calls: sendMessage,
// listPairs, and getMessage. Platform delivery itself sits behind the
// narrow QQSender and TelegramSender interfaces.
package forward
