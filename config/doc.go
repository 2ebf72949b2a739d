// Package config holds the runtime configuration shared by the transfer
// engines. All values are read through getters on every admission cycle,
// so changing a setting takes effect on in-flight transfers without a
// restart.
package config
