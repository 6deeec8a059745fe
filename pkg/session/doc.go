// Package session holds the client-side authenticated session: the bearer
// token and the identity it was validated against.
//
// A Store is the single source of truth for "who is logged in". Every
// transition (login, logout, identity patch) is delivered synchronously to
// subscribers on the goroutine that caused it; the realtime connection
// manager subscribes and opens or tears down its connection in response.
// Nothing polls the store.
//
//	store := session.NewStore(session.WithPersister(session.NewFilePersister(path)))
//	unsubscribe := store.Subscribe(func(c session.Change) {
//	    log.Println(c.Kind, c.Current.Present())
//	})
//	defer unsubscribe()
//
//	store.Set(token, session.Identity{ID: "u1", DisplayName: "Ana", Role: session.RoleWaiter, Active: true})
//	store.Clear()
package session
