// Package forward implements the forwarding data plane: the pooled TCP
// forwarder, the UDP session-table forwarder and the rule binder that
// expands rules into runtime instances.
package forward
