/*
Package discovery implements L2 broadcast peer discovery: a steady UDP
advertisement of this node's JoinAdvertisement and a listener translating
received advertisements into events.PeerObserved for the Peer Manager.
Discovery never dials a session and never fails node startup — if the
broadcast socket can't be opened it logs the degradation and carries on
without broadcast. Config's bootstrap_addresses are only handed back by
Service.BootstrapAddresses; nothing in the node dials them.
*/
package discovery
