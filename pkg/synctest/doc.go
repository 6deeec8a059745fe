// Package synctest provides test helpers for code built on the order sync
// layer.
//
// It runs a fake of the REST API (identity and order status endpoints)
// and an in-process realtime server that verifies handshakes against the
// fake, so connection managers and gateways can be exercised end to end
// without external services.
//
// # Quick Start
//
//	func TestKitchenSeesUpdates(t *testing.T) {
//	    env := synctest.NewEnv().
//	        WithUser("tok-chef", synctest.User("chef1", session.RoleChef)).
//	        WithUser("tok-waiter", synctest.User("waiter1", session.RoleWaiter)).
//	        Start(t)
//
//	    // point clients at env.Backend.URL and env.URL
//	    env.WaitMembers(t, "role:chef", 1)
//	}
//
// # Backend Faults
//
// The fake backend can revoke tokens and fail order updates:
//
//	env.Backend.Revoke("tok-chef")                  // 401 from now on
//	env.Backend.FailOrder("o1", 500, "db down")     // {"message": "db down"}
//	env.Backend.FailAll(503, "")                     // empty body
//	env.Backend.Heal()
package synctest
