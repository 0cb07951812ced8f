// Package relay
// Author: momentics <momentics@gmail.com>
//
// TCP over RUDP tunnelling. An entry relay accepts TCP clients and opens
// one RUDP connection per client; an exit relay dials the TCP destination
// named in the connection's OPEN payload and copies bytes both ways with
// backpressure on each direction.
package relay
