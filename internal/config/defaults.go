package config

// ExampleConfigOverride is written next to the default config on first
// start. Settings made there have precedence.
const ExampleConfigOverride = `# This is the user configuration file to override the default configuration file.
# All settings made here have precedence.
# This file can be used to clearly summarize all settings that deviate from the default.
# This also has the advantage that all changed settings can be kept when updating the program.

#### LXMF connection settings ####
[lxmf]

# The name will be visible to other peers
# on the network, and included in announces.
# It is also used in the group description/info.
display_name = Distribution Group

# Set propagation node automatically.
propagation_node_auto = True

# Try to deliver a message via the LXMF propagation network,
# if a direct delivery to the recipient is not possible.
try_propagation_on_fail = Yes
`

const ExampleConfig = `# This is the default config file.
# You should probably edit it to suit your needs and use-case.


#### Main program settings ####
[main]

enabled = True

# Name of the program. Only for display in the log or program startup.
name = Distribution Group

# Unsaved member changes are written to the data file periodically.
periodic_save_data_interval = 15 #Minutes


#### Matterbridge integration settings ####
[matterbridge]

# Leave the api empty to disable the bridge.
api = http://127.0.0.1:4242
gateway = gateway1
token = paste_token

# Maximum posts per second, 0=unlimited.
rate = 0
timeout = 10 #Seconds


#### LXMF sidecar connection ####
[transport]

url = ws://127.0.0.1:4243/lxmf


#### LXMF connection settings ####
[lxmf]

# Destination name & type need to fits the LXMF protocoll
# to be compatibel with other LXMF programs.
destination_name = lxmf
destination_type = delivery

# The name will be visible to other peers
# on the network, and included in announces.
display_name = Distribution Group

# Default send method.
desired_method = direct #direct/propagated

# Propagation node address/hash.
propagation_node =

# Set propagation node automatically.
propagation_node_auto = True

# Current propagation node (Automatically set by the software).
propagation_node_active =

# Try to deliver a message via the LXMF propagation network,
# if a direct delivery to the recipient is not possible.
try_propagation_on_fail = Yes

# The peer is announced at startup
# to let other peers reach it immediately.
announce_startup = Yes
announce_startup_delay = 0 #Seconds

# The peer is announced periodically
# to let other peers reach it.
announce_periodic = Yes
announce_periodic_interval = 120 #Minutes

# The announce is hidden for client applications
# but is still used for the routing tables.
announce_hidden = No

# Some waiting time after message send
# for LXMF/Reticulum processing.
send_delay = 0 #Seconds

# Sync LXMF messages at startup.
sync_startup = No
sync_startup_delay = 0 #Seconds

# Sync LXMF messages periodically.
sync_periodic = No

# The sync interval in minutes.
sync_periodic_interval = 360 #Minutes

# Automatic LXMF syncs will only
# download x messages at a time. You can change
# this number, or set the option to 0 to disable
# the limit, and download everything every time.
sync_limit = 0

# Allow only messages with valid signature.
signature_validated = No


#### Message settings ####
[message]
## Each message received (message and command) ##

# Deny message if the title/content/fields contains the following content.
# Comma-separated list with text or field keys.
# *=any
deny_title =
deny_content =
deny_fields =

# Length limitation.
receive_length_min = 0 #0=any length
receive_length_max = 0 #0=any length


## Each message send (message) ##

# Text is added.
send_prefix = !source_name!!n!<!source_address!>!n!
send_suffix =

# Text is replaced.
send_search =
send_replace =

# Text is replaced by regular expression.
send_regex_search =
send_regex_replace =

# Length limitation.
send_length_min = 0 #0=any length
send_length_max = 0 #0=any length


# Define which message timestamp should be used.
timestamp = client #client/server

# Use title/fields.
title = Yes
fields = Yes


#### Admin API ####
[admin]

# Leave empty to disable the admin API and the event stream.
listen = 127.0.0.1:9090


#### Storage ####
[storage]

# Member store: file (data.cfg) or mongo.
members = file
mongo_uri = mongodb://localhost:27017
mongo_database = lxmf_group

# Failed deliveries are journaled to redis. Leave empty to disable.
redis_addr =
redis_password =
redis_db = 0
journal_limit = 100
`

const ExampleData = `# This is the data file. It is automatically created and saved/overwritten.
# It contains data managed by the software itself.
# If manual adjustments are made here, the program must be shut down first!


#### User with send only rights ####
[send]

#### User with receive only rights ####
[receive]

#### User with receive and send rights ####
[receive_send]
`
