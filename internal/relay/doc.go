// Package relay reads producer datagrams from one UDP socket and drives the channel registry.
//
// Datagrams sent from the control port carry heartbeats (PONG:<key>:<label>).
// Everything else is a log line whose channel key is the sender's source port.
// Unclassifiable or filtered datagrams are dropped without reply.
package relay
