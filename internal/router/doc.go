// Package router resolves a request (path, method) to a Route.
//
// # Features
//
//   - Literal paths, the "*" catch-all and templates with {name}
//     placeholders and * wildcards
//   - {id} matches digits, {userId} matches word characters, any other
//     placeholder matches one path segment
//   - First enabled match in registration order wins
//   - Malformed templates and duplicate (path, method) pairs are rejected
//     at registration
//   - Thread-safe registration, toggling and lookup
//
// # Usage
//
//	t := router.NewTable()
//	if err := t.Add(router.NewRoute("/api/users/{id}", "GET", "users")); err != nil {
//	    log.Fatal(err)
//	}
//
//	route, ok := t.Match("/api/users/42", "GET")
package router
