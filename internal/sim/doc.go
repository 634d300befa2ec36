// Package sim defines the contract between a game and the synchronization
// strategies that drive it.
//
// A game supplies a State that advances deterministically from one input per
// player, an Input type that optionally knows how to predict its successor,
// and an InputCodec so inputs can cross the wire. The strategies never look
// inside either.
package sim
