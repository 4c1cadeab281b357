// Package workload is the built-in order/user load test: a ramping profile
// whose iterations fetch an order and register a freshly generated user.
package workload

import (
	"math/rand"
	"strings"
	"time"

	"github.com/wesleyorama2/surge/internal/performance"
)

// User is the payload of POST /api/v1/user.
type User struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	Age   int    `json:"age"`
}

const (
	nameLength = 5
	minAge     = 20
	ageSpan    = 40
)

// NewUser generates a user from r: "User_" plus five random alphanumerics,
// the lower-cased name at example.com, and an age in [20, 59].
func NewUser(r *rand.Rand) User {
	name := "User_" + performance.RandomStringFrom(r.Intn, nameLength)
	return User{
		Name:  name,
		Email: strings.ToLower(name) + "@example.com",
		Age:   r.Intn(ageSpan) + minAge,
	}
}

// RandomUser generates a user from a fresh random source.
func RandomUser() User {
	return NewUser(rand.New(rand.NewSource(time.Now().UnixNano() ^ rand.Int63())))
}
