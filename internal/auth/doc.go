// Package auth provides bearer token authentication for the HTTP transport.
//
// Tokens are HS256 JWTs carrying a subject and a Role. Roles map to a
// static permission set (compile-time, no registry lookup):
//
//	viewer    read devices, attributes and polling status
//	operator  viewer + run commands and write attributes
//	admin     operator + administer polling and restart devices
//
// An empty signing secret disables authentication in the api package;
// this package only issues and validates tokens.
package auth
